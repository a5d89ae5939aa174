package fs

import (
	"fmt"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/medfl/fedavg/internal/crypto"
)

const keyFileName = "node.private"

// KeyStore keeps the key pair of a node under its base folder.
type KeyStore struct {
	folder string
}

// NewKeyStore returns the key store of the node living in base.
func NewKeyStore(base string) (*KeyStore, error) {
	folder, err := CreateSecureFolder(filepath.Join(base, KeyFolderName))
	if err != nil {
		return nil, err
	}
	return &KeyStore{folder: folder}, nil
}

// Path of the private key file.
func (k *KeyStore) Path() string {
	return filepath.Join(k.folder, keyFileName)
}

// Exists reports whether a key pair was saved.
func (k *KeyStore) Exists() bool {
	ok, err := Exists(k.Path())
	return ok && err == nil
}

// Save writes p, readable by the owner only.
func (k *KeyStore) Save(p *crypto.Pair) error {
	fd, err := CreateSecureFile(k.Path())
	if err != nil {
		return err
	}
	defer fd.Close()
	return toml.NewEncoder(fd).Encode(p.TOML())
}

// Load reads the saved key pair.
func (k *KeyStore) Load() (*crypto.Pair, error) {
	t := new(crypto.PairTOML)
	if _, err := toml.DecodeFile(k.Path(), t); err != nil {
		return nil, fmt.Errorf("reading key pair: %w", err)
	}
	return crypto.PairFromTOML(t)
}
