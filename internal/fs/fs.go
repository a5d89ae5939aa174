// Package fs lays out the state folder of a node and keeps its key pair.
package fs

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
)

const (
	defaultDirectoryPermission = 0740
	// DefaultFolderName is the folder under the home directory holding the
	// state of a node.
	DefaultFolderName = ".fedavg"
	// KeyFolderName holds the key pair of a node.
	KeyFolderName = "key"
	// DBFolderName holds the round database.
	DBFolderName = "db"
)

func HomeFolder() string {
	u, err := user.Current()
	if err != nil {
		return os.Getenv("HOME")
	}
	return u.HomeDir
}

// DefaultBaseFolder is where the state of a node lives unless configured.
func DefaultBaseFolder() string {
	return filepath.Join(HomeFolder(), DefaultFolderName)
}

// CreateSecureFolder creates folder with owner only write permission if it
// does not exist yet. An existing folder with wider permissions is refused.
func CreateSecureFolder(folder string) (string, error) {
	exists, err := Exists(folder)
	if err != nil {
		return "", err
	}
	if !exists {
		if err := os.MkdirAll(folder, defaultDirectoryPermission); err != nil {
			return "", fmt.Errorf("creating folder %s: %w", folder, err)
		}
		return folder, nil
	}
	info, err := os.Lstat(folder)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a folder", folder)
	}
	if perm := info.Mode().Perm(); perm&0o027 != 0 {
		return "", fmt.Errorf("folder %s has permission %#o, want at most %#o", folder, perm, defaultDirectoryPermission)
	}
	return folder, nil
}

// Exists returns whether the given file or directory exists.
func Exists(filePath string) (bool, error) {
	_, err := os.Stat(filePath)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return true, err
}

// CreateSecureFile truncates or creates file, readable by its owner only.
func CreateSecureFile(file string) (*os.File, error) {
	return os.OpenFile(file, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
}
