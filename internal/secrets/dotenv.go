package secrets

import (
	"fmt"

	"github.com/joho/godotenv"
)

// FileSource serves credentials parsed from a .env file. The file is read
// once; call OpenFile again to pick up changes.
type FileSource struct {
	*mapSource
	path string
}

// OpenFile parses the .env file at path.
func OpenFile(path string) (*FileSource, error) {
	values, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("read env file %s: %w", path, err)
	}
	return &FileSource{mapSource: newMapSource("file:"+path, values), path: path}, nil
}

// Path returns the backing file.
func (f *FileSource) Path() string { return f.path }
