package resumable

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"hash"
	"hash/crc32"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// checksumValidator accumulates streaming digests of every byte that leaves
// the queue toward the network. Bytes replayed after reconciliation are not
// fed twice: the validator tracks the highest stream offset seen so far.
type checksumValidator struct {
	crc hash.Hash32
	md5 hash.Hash

	suppliedCRC string
	suppliedMD5 string

	disabled bool
	fed      int64
}

func newChecksumValidator(cfg *Config) *checksumValidator {
	v := &checksumValidator{
		suppliedCRC: cfg.CRC32C,
		suppliedMD5: cfg.MD5,
		disabled:    cfg.DisableValidation,
	}
	if v.disabled {
		return v
	}
	if v.suppliedCRC == "" {
		v.crc = crc32.New(castagnoli)
	}
	if cfg.EnableMD5 && v.suppliedMD5 == "" {
		v.md5 = md5.New()
	}
	return v
}

// update feeds the bytes of a chunk starting at the given stream offset.
// Overlap with already-fed bytes is skipped so retransmissions don't corrupt
// the digests.
func (v *checksumValidator) update(offset int64, p []byte) {
	if v.disabled || len(p) == 0 {
		return
	}
	end := offset + int64(len(p))
	if end <= v.fed {
		return
	}
	if offset < v.fed {
		p = p[v.fed-offset:]
	}
	if v.crc != nil {
		_, _ = v.crc.Write(p)
	}
	if v.md5 != nil {
		_, _ = v.md5.Write(p)
	}
	v.fed = end
}

// validate compares the accumulated (or supplied) digests against the
// server-reported values in the finished object metadata. It is called once,
// at successful completion.
func (v *checksumValidator) validate(obj *Object, sessionURI string) error {
	if v.disabled {
		return nil
	}

	// The service reports at least a CRC32C on every finished object. A
	// success response without any digest leaves the content unverifiable.
	if obj.CRC32C == "" && obj.MD5Hash == "" {
		return fmt.Errorf("response metadata carries no checksum, content of session %s cannot be verified", sessionURI)
	}

	wantCRC := v.suppliedCRC
	if v.crc != nil {
		wantCRC = encodeCRC32C(v.crc.Sum32())
	}
	if wantCRC != "" && obj.CRC32C != "" && wantCRC != obj.CRC32C {
		return &ChecksumMismatchError{
			Algorithm:  "crc32c",
			Computed:   wantCRC,
			Reported:   obj.CRC32C,
			SessionURI: sessionURI,
		}
	}

	wantMD5 := v.suppliedMD5
	if v.md5 != nil {
		wantMD5 = base64.StdEncoding.EncodeToString(v.md5.Sum(nil))
	}
	if wantMD5 != "" && obj.MD5Hash != "" && wantMD5 != obj.MD5Hash {
		return &ChecksumMismatchError{
			Algorithm:  "md5",
			Computed:   wantMD5,
			Reported:   obj.MD5Hash,
			SessionURI: sessionURI,
		}
	}

	return nil
}

// encodeCRC32C renders a CRC32C value the way the service reports it:
// base64 of the big-endian checksum bytes.
func encodeCRC32C(sum uint32) string {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], sum)
	return base64.StdEncoding.EncodeToString(buf[:])
}
