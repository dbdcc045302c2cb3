// Package fs holds some utilities for manipulating the node's data folder.
package fs

import (
	"fmt"
	"os"
	"os/user"
	"path"
)

const (
	// DirPerm is the permission of every folder the node creates.
	DirPerm = 0740
	// FilePerm is the permission of files holding secrets.
	FilePerm = 0600
)

// HomeFolder returns the home folder of the current user
func HomeFolder() string {
	u, err := user.Current()
	if err != nil {
		return os.TempDir()
	}
	return u.HomeDir
}

// DefaultFolder is where a node keeps its data when no folder is configured.
func DefaultFolder() string {
	return path.Join(HomeFolder(), ".accounts")
}

// CreateSecureFolder creates folder with DirPerm if it does not exist yet. An
// existing folder with looser permissions is rejected.
func CreateSecureFolder(folder string) error {
	exists, err := Exists(folder)
	if err != nil {
		return err
	}
	if !exists {
		return os.MkdirAll(folder, DirPerm)
	}
	info, err := os.Lstat(folder)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a folder", folder)
	}
	if perm := info.Mode().Perm(); perm&0007 != 0 {
		return fmt.Errorf("folder %s is world accessible (%#o)", folder, perm)
	}
	return nil
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

// CreateSecureFile creates (or truncates) a file readable by its owner only.
func CreateSecureFile(file string) (*os.File, error) {
	fd, err := os.OpenFile(file, os.O_RDWR|os.O_CREATE|os.O_TRUNC, FilePerm)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(file, FilePerm); err != nil {
		fd.Close()
		return nil, err
	}
	return fd, nil
}
