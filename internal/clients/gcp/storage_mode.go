package gcp

import (
	"fmt"
	"net/url"
	"os"
	"strings"
)

type ObjectStorageMode string

const (
	ObjectStorageModeGCS         ObjectStorageMode = "gcs"
	ObjectStorageModeGCSEmulator ObjectStorageMode = "gcs_emulator"
)

type ObjectStorageConfig struct {
	Mode         ObjectStorageMode
	EmulatorHost string

	// True when the mode was inferred from STORAGE_EMULATOR_HOST because
	// OBJECT_STORAGE_MODE was unset.
	CompatibilityFallback bool
}

func (cfg ObjectStorageConfig) IsEmulatorMode() bool {
	return cfg.Mode == ObjectStorageModeGCSEmulator
}

func (cfg ObjectStorageConfig) ModeSource() string {
	if cfg.CompatibilityFallback {
		return "compatibility_fallback"
	}
	return "explicit_or_default"
}

// ResolveObjectStorageConfigFromEnv reads OBJECT_STORAGE_MODE and
// STORAGE_EMULATOR_HOST. An unset mode defaults to plain GCS unless an
// emulator host is present, which older deployments used as the only
// emulator switch.
func ResolveObjectStorageConfigFromEnv() (ObjectStorageConfig, error) {
	cfg := ObjectStorageConfig{
		EmulatorHost: strings.TrimSpace(os.Getenv("STORAGE_EMULATOR_HOST")),
	}

	rawMode := strings.TrimSpace(os.Getenv("OBJECT_STORAGE_MODE"))
	switch ObjectStorageMode(strings.ToLower(rawMode)) {
	case "":
		if cfg.EmulatorHost != "" {
			cfg.Mode = ObjectStorageModeGCSEmulator
			cfg.CompatibilityFallback = true
		} else {
			cfg.Mode = ObjectStorageModeGCS
		}
	case ObjectStorageModeGCS:
		cfg.Mode = ObjectStorageModeGCS
	case ObjectStorageModeGCSEmulator:
		cfg.Mode = ObjectStorageModeGCSEmulator
	default:
		return cfg, fmt.Errorf(
			"invalid OBJECT_STORAGE_MODE=%q (allowed: %q, %q)",
			rawMode, ObjectStorageModeGCS, ObjectStorageModeGCSEmulator,
		)
	}

	return cfg, ValidateObjectStorageConfig(cfg)
}

func ValidateObjectStorageConfig(cfg ObjectStorageConfig) error {
	switch cfg.Mode {
	case ObjectStorageModeGCS:
		return nil
	case ObjectStorageModeGCSEmulator:
	default:
		return fmt.Errorf(
			"invalid object storage mode %q (allowed: %q, %q)",
			cfg.Mode, ObjectStorageModeGCS, ObjectStorageModeGCSEmulator,
		)
	}

	if cfg.EmulatorHost == "" {
		return fmt.Errorf("OBJECT_STORAGE_MODE=%q requires STORAGE_EMULATOR_HOST to be set", ObjectStorageModeGCSEmulator)
	}
	u, err := url.Parse(cfg.EmulatorHost)
	if err != nil || strings.TrimSpace(u.Scheme) == "" || strings.TrimSpace(u.Host) == "" {
		return fmt.Errorf("invalid STORAGE_EMULATOR_HOST=%q; expected absolute URL like http://fake-gcs:4443", cfg.EmulatorHost)
	}
	return nil
}
