package resumable

import (
	"testing"
)

func TestContentRange(t *testing.T) {
	cases := []struct {
		name          string
		contentLength int64
		cr            chunkRequest
		want          string
	}{
		{
			name: "streaming chunk",
			cr:   chunkRequest{offset: 0, data: make([]byte, 10)},
			want: "bytes 0-9/*",
		},
		{
			name: "streaming final chunk",
			cr:   chunkRequest{offset: 10, data: make([]byte, 5), final: true},
			want: "bytes 10-14/15",
		},
		{
			name:          "known total",
			contentLength: 20,
			cr:            chunkRequest{offset: 10, data: make([]byte, 10), final: true},
			want:          "bytes 10-19/20",
		},
		{
			name: "empty stream",
			cr:   chunkRequest{offset: 0, final: true},
			want: "bytes 0-*/0",
		},
		{
			name:          "empty chunk at nonzero offset",
			contentLength: 20,
			cr:            chunkRequest{offset: 20, final: true},
			want:          "bytes */20",
		},
		{
			name: "streaming empty chunk at nonzero offset",
			cr:   chunkRequest{offset: 20},
			want: "bytes */*",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := &session{cfg: &Config{ContentLength: tc.contentLength}}
			if got := s.contentRange(tc.cr); got != tc.want {
				t.Errorf("contentRange = %q, expected %q", got, tc.want)
			}
		})
	}
}

func TestParseConfirmedOffset(t *testing.T) {
	cases := []struct {
		header  string
		want    int64
		wantErr bool
	}{
		{header: "", want: 0},
		{header: "bytes=0-0", want: 1},
		{header: "bytes=0-9", want: 10},
		{header: "bytes=0-262143", want: 262144},
		{header: "bytes=5-9", wantErr: true},
		{header: "bytes=0-x", wantErr: true},
		{header: "garbage", wantErr: true},
	}

	for _, tc := range cases {
		got, err := parseConfirmedOffset(tc.header)
		if tc.wantErr {
			if err == nil {
				t.Errorf("parseConfirmedOffset(%q) should fail", tc.header)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseConfirmedOffset(%q) failed: %v", tc.header, err)
			continue
		}
		if got != tc.want {
			t.Errorf("parseConfirmedOffset(%q) = %d, expected %d", tc.header, got, tc.want)
		}
	}
}

func TestAccepted(t *testing.T) {
	for _, status := range []int{200, 201, 204, statusResumeIncomplete} {
		if !accepted(status) {
			t.Errorf("accepted(%d) should be true", status)
		}
	}
	for _, status := range []int{199, 300, 400, 404, 500, 503} {
		if accepted(status) {
			t.Errorf("accepted(%d) should be false", status)
		}
	}
}

func TestAddEncryptionHeaders(t *testing.T) {
	headers := map[string]string{}
	addEncryptionHeaders(headers, nil)
	if len(headers) != 0 {
		t.Errorf("No headers expected without a key, got %v", headers)
	}

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	addEncryptionHeaders(headers, key)
	if headers["x-goog-encryption-algorithm"] != "AES256" {
		t.Errorf("algorithm header = %q", headers["x-goog-encryption-algorithm"])
	}
	if headers["x-goog-encryption-key"] == "" || headers["x-goog-encryption-key-sha256"] == "" {
		t.Errorf("key headers missing: %v", headers)
	}
}
