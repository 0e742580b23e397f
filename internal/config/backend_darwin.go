//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

const defaultsDomain = "com.aibridge.app"

func defaultDataDir() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, "Library", "Application Support", "aibridge")
	}
	return "aibridge-data"
}

func tokenHint() string {
	return fmt.Sprintf(" or macOS Keychain (service: %s, account: %s)", keychainService, keychainTokenAccount)
}

// darwinBackend stores settings in the user defaults database under domain.
type darwinBackend struct {
	domain string
}

func newPlatformBackend() ConfigBackend {
	return &darwinBackend{domain: defaultsDomain}
}

// errNoDefault is returned by defaults when the key is absent.
var errNoDefault = errors.New("no default")

func (b *darwinBackend) defaults(verb, key string, extra ...string) (string, error) {
	args := append([]string{verb, b.domain, key}, extra...)
	out, err := exec.Command("defaults", args...).CombinedOutput()
	s := strings.TrimSpace(string(out))
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 && verb != "write" {
			return "", errNoDefault
		}
		return "", fmt.Errorf("defaults %s %s: %w: %s", verb, key, err, s)
	}
	return s, nil
}

func (b *darwinBackend) GetString(key string) (string, bool, error) {
	s, err := b.defaults("read", key)
	if errors.Is(err, errNoDefault) {
		return "", false, nil
	}
	return s, err == nil, err
}

func (b *darwinBackend) GetInt(key string) (int, bool, error) {
	s, ok, err := b.GetString(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, true, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return i, true, nil
}

func (b *darwinBackend) SetString(key, val string) error {
	_, err := b.defaults("write", key, "-string", val)
	return err
}

func (b *darwinBackend) SetInt(key string, val int) error {
	_, err := b.defaults("write", key, "-int", strconv.Itoa(val))
	return err
}

func (b *darwinBackend) Delete(key string) error {
	_, err := b.defaults("delete", key)
	if errors.Is(err, errNoDefault) {
		return nil
	}
	return err
}
