// ABOUTME: Optional end-to-end encryption for the Matrix source via mautrix cryptohelper
// ABOUTME: Keeps a per-user SQLite crypto store and resets it when the device ID changes

package ingest

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/cryptohelper"
)

// MatrixCrypto owns the E2EE helper attached to a Matrix client.
type MatrixCrypto struct {
	helper *cryptohelper.CryptoHelper
	logger *slog.Logger
}

// EnableMatrixCrypto attaches E2EE to client. The crypto database lives in
// dataDir and is keyed by user ID. A recovery key, when given, is used to
// verify the device for cross-signing; failure there is logged, not fatal.
func EnableMatrixCrypto(ctx context.Context, client *mautrix.Client, recoveryKey, dataDir string, logger *slog.Logger) (*MatrixCrypto, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "matrix-crypto")

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("creating crypto data directory: %w", err)
	}

	userID := client.UserID.String()
	dbPath := filepath.Join(dataDir, fmt.Sprintf("relay-crypto-%s.db", cryptoSlug(userID)))

	mismatch, err := storedDeviceDiffers(dbPath, client.DeviceID.String())
	if err != nil {
		logger.Debug("could not read stored device id", "error", err)
	}
	if mismatch {
		logger.Warn("device id changed, resetting crypto database", "db", dbPath)
		for _, p := range []string{dbPath, dbPath + "-wal", dbPath + "-shm"} {
			if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("removing stale crypto database: %w", err)
			}
		}
	}

	pickleKey := sha256.Sum256([]byte("coven-relay-crypto:" + userID))
	helper, err := cryptohelper.NewCryptoHelper(client, pickleKey[:], dbPath)
	if err != nil {
		return nil, fmt.Errorf("creating crypto helper: %w", err)
	}
	if err := helper.Init(ctx); err != nil {
		return nil, fmt.Errorf("initializing crypto helper: %w", err)
	}
	client.Crypto = helper

	if recoveryKey != "" {
		if machine := helper.Machine(); machine == nil {
			logger.Warn("crypto machine not initialized, skipping recovery key")
		} else if err := machine.VerifyWithRecoveryKey(ctx, recoveryKey); err != nil {
			logger.Warn("recovery key verification failed", "error", err)
		} else {
			logger.Info("device verified with recovery key")
		}
	}

	logger.Info("encryption enabled", "db", dbPath)
	return &MatrixCrypto{helper: helper, logger: logger}, nil
}

// Close releases the crypto store.
func (c *MatrixCrypto) Close() error {
	if c == nil || c.helper == nil {
		return nil
	}
	return c.helper.Close()
}

// storedDeviceDiffers reports whether an existing crypto database belongs to
// another device. A missing database or account is not a mismatch.
func storedDeviceDiffers(dbPath, deviceID string) (bool, error) {
	if _, err := os.Stat(dbPath); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return false, err
	}
	defer db.Close()

	var stored string
	err = db.QueryRow("SELECT device_id FROM crypto_account LIMIT 1").Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return stored != deviceID, nil
}

// cryptoSlug turns "@relay:matrix.org" into "relay_matrix.org".
func cryptoSlug(userID string) string {
	userID = strings.TrimPrefix(userID, "@")
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		case r == ':':
			return '_'
		default:
			return -1
		}
	}, userID)
}
