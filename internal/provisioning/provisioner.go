package provisioning

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"bootimage/internal/config"
	"bootimage/internal/logging"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"
)

// DescriptionPrefix marks every intermediate disk and volume this tool
// creates so leftovers can be found by the cleanup command.
const DescriptionPrefix = "bootimage-"

// Request describes one image build.
type Request struct {
	// Name of the resulting image. Intermediate resources are derived
	// from it.
	Name string
	// Input is the local path of the source disk image.
	Input string
}

// Image is the registered bootable artifact.
type Image struct {
	Name     string
	ID       string
	Provider config.ProviderType
	// Source is the snapshot or disk the image was registered from.
	Source string
	Took   time.Duration
}

// Builder turns a local disk image into a provider image.
type Builder interface {
	Build(ctx context.Context, req Request) (*Image, error)
}

// Cleaner removes intermediate resources left behind by failed builds.
type Cleaner interface {
	// Cleanup deletes unattached leftovers and returns how many were
	// removed.
	Cleanup(ctx context.Context) (int, error)
}

var namePattern = regexp.MustCompile(`^[a-z]([-a-z0-9]{0,61}[a-z0-9])?$`)

// Validate checks the request before any remote resource is created.
// Image names double as disk and snapshot names, so they must satisfy the
// strictest provider naming rule.
func (r Request) Validate() error {
	if r.Name == "" {
		return errors.New("image name is required")
	}
	if !namePattern.MatchString(r.Name) || len(r.Name) > 58 {
		return fmt.Errorf("invalid image name %q: must be lowercase letters, digits and dashes, start with a letter and be at most 58 characters", r.Name)
	}
	if r.Input == "" {
		return errors.New("input image path is required")
	}
	return nil
}

// maxLoggedNames bounds how many leftover names a single log entry lists.
const maxLoggedNames = 20

// deleteAll runs del for every name on a pool of at most workers
// goroutines and returns how many deletes succeeded.
func deleteAll(ctx context.Context, workers int, kind string, names []string, del func(ctx context.Context, name string) error) (int, error) {
	if len(names) == 0 {
		return 0, nil
	}
	if workers <= 0 {
		workers = 1
	}
	logging.Logger().Info("deleting leftover "+kind+"s",
		zap.Strings("names", logging.TruncateSlice(names, maxLoggedNames)),
		zap.Int("workers", workers))

	pool := pond.NewPool(workers)

	var mu sync.Mutex
	var errs []error
	deleted := 0

	for _, name := range names {
		pool.Submit(func() {
			if err := del(ctx, name); err != nil {
				logging.Logger().Error("failed to delete leftover "+kind,
					zap.String("name", name),
					zap.Error(err))
				mu.Lock()
				errs = append(errs, fmt.Errorf("failed to delete %s %s: %w", kind, name, err))
				mu.Unlock()
				return
			}
			logging.Logger().Info("deleted leftover "+kind, zap.String("name", name))
			mu.Lock()
			deleted++
			mu.Unlock()
		})
	}

	pool.StopAndWait()

	return deleted, errors.Join(errs...)
}
