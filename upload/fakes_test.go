package upload

import (
	"context"
	"fmt"
	"sync"

	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/objstore-io/go-uploadutils/upload/resumable"
)

type fakeEnvRepo struct {
	envVars map[string]string
}

func (repo fakeEnvRepo) Get(key string) string {
	value, ok := repo.envVars[key]
	if ok {
		return value
	} else {
		return ""
	}
}

func (repo fakeEnvRepo) Set(key, value string) error {
	repo.envVars[key] = value
	return nil
}

func (repo fakeEnvRepo) Unset(key string) error {
	repo.envVars[key] = ""
	return nil
}

func (repo fakeEnvRepo) List() []string {
	envs := []string{}
	for k, v := range repo.envVars {
		envs = append(envs, fmt.Sprintf("%s=%s", k, v))
	}
	return envs
}

type fakeUploader struct {
	mu     sync.Mutex
	calls  []FileUploadParams
	err    error
	result *resumable.Object
}

func (u *fakeUploader) Upload(ctx context.Context, params FileUploadParams, logger log.Logger) (*resumable.Object, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls = append(u.calls, params)
	if u.err != nil {
		return nil, u.err
	}
	if u.result != nil {
		return u.result, nil
	}
	return &resumable.Object{Name: params.Object, Bucket: params.Bucket, Size: 1}, nil
}
