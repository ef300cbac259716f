// Package manifest assembles the batch from a YAML file or a folder list.
package manifest

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gitlab.com/tozd/go/errors"
	"gopkg.in/yaml.v3"

	"batchpack/internal/models"
	"batchpack/pkg/utils"
)

var ErrInvalid = errors.Base("invalid manifest")

// Entry is one item as written in the manifest file.
type Entry struct {
	ID     string `yaml:"id"`
	Folder string `yaml:"folder"`
	Name   string `yaml:"name"`
	AppID  string `yaml:"app_id"`
	Crack  bool   `yaml:"crack"`
	Zip    bool   `yaml:"zip"`
	Upload bool   `yaml:"upload"`
}

type File struct {
	Items []Entry `yaml:"items"`
}

// Flags apply to every folder given on the command line.
type Flags struct {
	Crack  bool
	Zip    bool
	Upload bool
	AppID  string
}

// Load reads a manifest. Relative folders resolve against the manifest's directory.
func Load(path string) ([]*models.BatchItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Errorf("reading manifest: %w", err)
	}
	return Parse(bytes.NewReader(data), filepath.Dir(path))
}

func Parse(r io.Reader, baseDir string) ([]*models.BatchItem, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Errorf("%w: %s", ErrInvalid, err.Error())
	}
	if len(f.Items) == 0 {
		return nil, errors.Errorf("%w: no items", ErrInvalid)
	}

	items := make([]*models.BatchItem, 0, len(f.Items))
	for i, e := range f.Items {
		if e.Folder == "" {
			return nil, errors.Errorf("%w: item %d has no folder", ErrInvalid, i+1)
		}
		folder := e.Folder
		if !filepath.IsAbs(folder) {
			folder = filepath.Join(baseDir, folder)
		}
		item, err := newItem(e.ID, folder, e.Name, e.AppID, e.Crack, e.Zip, e.Upload)
		if err != nil {
			return nil, errors.Errorf("item %d: %w", i+1, err)
		}
		items = append(items, item)
	}
	if err := checkUnique(items); err != nil {
		return nil, err
	}
	return items, nil
}

// FromFolders builds one item per folder with the same flags.
func FromFolders(folders []string, flags Flags) ([]*models.BatchItem, error) {
	if len(folders) == 0 {
		return nil, errors.Errorf("%w: no folders", ErrInvalid)
	}
	items := make([]*models.BatchItem, 0, len(folders))
	for _, folder := range folders {
		abs, err := filepath.Abs(folder)
		if err != nil {
			return nil, errors.Errorf("resolving %s: %w", folder, err)
		}
		item, err := newItem("", abs, "", flags.AppID, flags.Crack, flags.Zip, flags.Upload)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, checkUnique(items)
}

func newItem(id, folder, name, appID string, doCrack, doZip, doUpload bool) (*models.BatchItem, error) {
	if doUpload && !doZip {
		return nil, errors.Errorf("%w: %s: upload requires zip", ErrInvalid, folder)
	}
	folder = filepath.Clean(folder)
	if id == "" {
		id = uuid.NewString()
	}
	if strings.TrimSpace(name) == "" {
		name = filepath.Base(folder)
	}

	// A missing folder is reported by the phase that needs it.
	size, _ := utils.PathSize(folder)

	return &models.BatchItem{
		ID:        id,
		Folder:    folder,
		Name:      name,
		AppID:     strings.TrimSpace(appID),
		DoCrack:   doCrack,
		DoZip:     doZip,
		DoUpload:  doUpload,
		SizeBytes: size,
	}, nil
}

func checkUnique(items []*models.BatchItem) error {
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		if _, dup := seen[it.ID]; dup {
			return errors.Errorf("%w: duplicate id %q", ErrInvalid, it.ID)
		}
		seen[it.ID] = struct{}{}
	}
	return nil
}
