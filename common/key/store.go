package key

import (
	"errors"
	"os"
	"path"

	"github.com/BurntSushi/toml"

	"github.com/ledgeraccounts/accounts/internal/fs"
)

// KeyFolderName is the name of the folder where the node identity is stored.
const KeyFolderName = "key"

const (
	privateFileName = "node.private"
	publicFileName  = "node.public"
)

// ErrAbsent is returned when no identity was saved yet.
var ErrAbsent = errors.New("no node identity stored")

// Store saves and loads the node identity.
type Store interface {
	SaveNode(n *Node) error
	LoadNode() (*Node, error)
}

type fileStore struct {
	privateFile string
	publicFile  string
}

// NewFileStore returns a Store keeping the identity under baseFolder/key.
func NewFileStore(baseFolder string) (Store, error) {
	folder := path.Join(baseFolder, KeyFolderName)
	if err := fs.CreateSecureFolder(folder); err != nil {
		return nil, err
	}
	return &fileStore{
		privateFile: path.Join(folder, privateFileName),
		publicFile:  path.Join(folder, publicFileName),
	}, nil
}

// SaveNode first saves the private identity in a file with tight permissions
// and then saves the public part in another file.
func (f *fileStore) SaveNode(n *Node) error {
	priv, err := n.TOML()
	if err != nil {
		return err
	}
	if err := save(f.privateFile, priv, true); err != nil {
		return err
	}
	return save(f.publicFile, n.Public.TOML(), false)
}

func (f *fileStore) LoadNode() (*Node, error) {
	if exists, err := fs.Exists(f.privateFile); err != nil {
		return nil, err
	} else if !exists {
		return nil, ErrAbsent
	}
	t := new(NodeTOML)
	if _, err := toml.DecodeFile(f.privateFile, t); err != nil {
		return nil, err
	}
	return NodeFromTOML(t)
}

func save(filePath string, value interface{}, secure bool) error {
	var fd *os.File
	var err error
	if secure {
		fd, err = fs.CreateSecureFile(filePath)
	} else {
		fd, err = os.Create(filePath)
	}
	if err != nil {
		return err
	}
	defer fd.Close()
	return toml.NewEncoder(fd).Encode(value)
}
