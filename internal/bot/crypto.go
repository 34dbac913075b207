// ABOUTME: Optional end-to-end encryption for the Matrix frontend
// ABOUTME: Wraps mautrix cryptohelper with an SQLite-backed crypto store

package bot

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	// cryptohelper's store runs on database/sql with the sqlite3 driver
	_ "github.com/mattn/go-sqlite3"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/cryptohelper"
)

// cryptoManager owns the E2EE machinery for one Matrix account.
type cryptoManager struct {
	helper *cryptohelper.CryptoHelper
	logger *slog.Logger
}

// setupCrypto enables encryption for the client. The pickle key protects the
// on-disk crypto store; the store itself lives under the user data dir,
// keyed by account so two bots on one host never share a device identity.
func setupCrypto(ctx context.Context, client *mautrix.Client, userID, pickleKey string, logger *slog.Logger) (*cryptoManager, error) {
	dataDir, err := cryptoDataDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, fmt.Sprintf("matrix-crypto-%s.db", slugify(userID)))
	logger.Info("setting up encryption", "db", dbPath)

	helper, err := cryptohelper.NewCryptoHelper(client, deriveStoreKey(pickleKey, userID), dbPath)
	if err != nil {
		return nil, fmt.Errorf("creating crypto helper: %w", err)
	}
	if err := helper.Init(ctx); err != nil {
		return nil, fmt.Errorf("initializing crypto helper: %w", err)
	}

	logger.Info("encryption initialized")
	return &cryptoManager{helper: helper, logger: logger}, nil
}

func (cm *cryptoManager) Close() error {
	if cm.helper != nil {
		return cm.helper.Close()
	}
	return nil
}

// cryptoDataDir resolves the crypto store location, honoring XDG_DATA_HOME.
func cryptoDataDir() (string, error) {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "tipjar"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("finding home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "tipjar"), nil
}

// slugify converts a Matrix user id to a filesystem-safe string.
// @tipbot:matrix.org -> tipbot_matrix.org
func slugify(userID string) string {
	s := userID
	if len(s) > 0 && s[0] == '@' {
		s = s[1:]
	}
	result := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '.' || c == '-' || c == '_':
			result = append(result, c)
		case c == ':':
			result = append(result, '_')
		}
	}
	return string(result)
}

// deriveStoreKey stretches the operator's pickle key into the 32-byte store
// encryption key, bound to the account id.
func deriveStoreKey(pickleKey, userID string) []byte {
	h := sha256.Sum256([]byte("tipjar-crypto:" + pickleKey + ":" + userID))
	return h[:]
}
