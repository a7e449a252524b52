// Package auth resolves and validates the catalog API key.
package auth

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// EnvCatalogKey holds the catalog API key.
const EnvCatalogKey = "AUTOTAG_CATALOG_API_KEY"

const (
	credentialDir  = ".catalog-autotag"
	credentialFile = "catalog-key.gpg"
)

// ErrNoKey is returned when no key source yields a key.
var ErrNoKey = errors.New("catalog API key not found")

// GetCatalogKey retrieves the catalog API key.
// Priority order:
//  1. AUTOTAG_CATALOG_API_KEY environment variable
//  2. GPG-encrypted file at ~/.catalog-autotag/catalog-key.gpg
//
// A catalog without authentication needs no key; callers treat ErrNoKey as
// "try anonymously".
func GetCatalogKey() (string, error) {
	if key := strings.TrimSpace(os.Getenv(EnvCatalogKey)); key != "" {
		log.Debug().Msg("Using catalog API key from environment variable")
		return key, nil
	}

	key, err := getFromGPG()
	if err == nil && key != "" {
		log.Debug().Msg("Using catalog API key from GPG encrypted file")
		return key, nil
	}

	log.Debug().Err(err).Msg("No catalog API key configured")
	return "", fmt.Errorf("%w: set %s or store it in ~/%s/%s", ErrNoKey, EnvCatalogKey, credentialDir, credentialFile)
}

func getFromGPG() (string, error) {
	credPath, err := getCredentialPath()
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(credPath); os.IsNotExist(err) {
		return "", fmt.Errorf("GPG credentials file not found at %s", credPath)
	}

	log.Debug().Str("file", credPath).Msg("Decrypting GPG credentials")

	args := []string{"--decrypt", "--quiet"}
	if passphrasePath, ok := getPassphrasePath(); ok {
		args = append(args, "--pinentry-mode", "loopback", "--passphrase-file", passphrasePath)
	}
	args = append(args, credPath)

	output, err := exec.Command("gpg", args...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("GPG decryption failed: %s", strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("GPG decryption failed: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

func getCredentialPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, credentialDir, credentialFile), nil
}

// getPassphrasePath returns ~/.catalog-autotag/.gpg-passphrase when it
// exists with owner-only permissions.
func getPassphrasePath() (string, bool) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", false
	}
	path := filepath.Join(home, credentialDir, ".gpg-passphrase")
	fi, err := os.Stat(path)
	if err != nil {
		return "", false
	}
	if mode := fi.Mode().Perm(); mode&0o077 != 0 {
		log.Warn().
			Str("passphrase_file", path).
			Str("permissions", fmt.Sprintf("%04o", mode)).
			Msg("Passphrase file has insecure permissions (should be 0600); skipping")
		return "", false
	}
	return path, true
}
