package storage

import (
	"fmt"

	"github.com/forgeflow/backend/internal/config"
	"github.com/forgeflow/backend/internal/core/ports"
)

// Open builds the storage backend named by cfg.Backend.
func Open(cfg config.ArtifactsConfig, encryptionKey string) (ports.ArtifactStorage, error) {
	switch cfg.Backend {
	case "", SchemeLocal:
		return NewLocal(cfg.BaseDir)
	case SchemeSFTP:
		sc := SFTPConfig{
			Host:       cfg.SFTP.Host,
			Port:       cfg.SFTP.Port,
			User:       cfg.SFTP.User,
			Password:   cfg.SFTP.Password,
			PrivateKey: cfg.SFTP.PrivateKey,
			BaseDir:    cfg.SFTP.BaseDir,
			Timeout:    cfg.SFTP.Timeout,

			EncryptionKey: encryptionKey,
		}
		return NewSFTP(sc)
	}
	return nil, fmt.Errorf("storage: unknown backend %q", cfg.Backend)
}
