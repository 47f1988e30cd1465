package config

import (
	"github.com/go-playground/validator/v10"

	"github.com/donkomura/fsspec-chfs/pkg/errors"
	"github.com/donkomura/fsspec-chfs/pkg/utils"
)

var validate = validator.New()

// Validate validates the configuration using struct tags and custom rules.
// Failures are reported as CONFIG_INVALID.
func (c *Configuration) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}
	return c.validateCustomRules()
}

// validateCustomRules covers cross-field rules that tags cannot express.
func (c *Configuration) validateCustomRules() error {
	switch c.Storage.Backend {
	case BackendS3:
		if c.Storage.S3.Bucket == "" {
			return invalid("storage.s3.bucket: required when backend is s3")
		}
	case BackendBadger:
		if !c.Storage.Badger.InMemory {
			if err := utils.ValidatePath(c.Storage.Badger.Dir, true); err != nil {
				return invalid("storage.badger.dir: %v", err)
			}
		}
	}

	if c.FUSE.Enabled {
		if err := utils.ValidatePath(c.FUSE.MountPoint, true); err != nil {
			return invalid("fuse.mount_point: %v", err)
		}
	}

	if c.Metrics.Enabled && c.Metrics.Port == 0 {
		return invalid("metrics.port: required when metrics are enabled")
	}

	return nil
}

func invalid(format string, args ...interface{}) *errors.FSError {
	return errors.Newf(errors.ErrCodeConfigInvalid, format, args...).WithComponent("config")
}

// formatValidationError reports the first failing field.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok && len(validationErrs) > 0 {
		e := validationErrs[0]
		return invalid("%s: validation failed on '%s' tag (value: %v)", e.Namespace(), e.Tag(), e.Value()).
			WithCause(err)
	}
	return errors.Wrap(err, errors.ErrCodeConfigInvalid, "invalid configuration")
}
