package metadata

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"BookRanker/internal/domain"
	"BookRanker/internal/ports"
)

// Catalog serves book metadata from a YAML document of the form
//
//	books:
//	  "4873115655":
//	    title: Readable Code
//	    author: Dustin Boswell
type Catalog struct {
	books map[string]domain.BookMetadata
}

var _ ports.MetadataProvider = (*Catalog)(nil)

type catalogFile struct {
	Books map[string]domain.BookMetadata `yaml:"books"`
}

// NewCatalog builds a catalog from an in-memory map.
func NewCatalog(books map[string]domain.BookMetadata) *Catalog {
	c := &Catalog{books: make(map[string]domain.BookMetadata, len(books))}
	for identifier, meta := range books {
		c.books[normalize(identifier)] = meta
	}
	return c
}

// LoadCatalog reads path. An empty path yields an empty catalog.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return NewCatalog(nil), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	return NewCatalog(file.Books), nil
}

// LookupBookMetadata reports ok=false for unknown identifiers.
func (c *Catalog) LookupBookMetadata(ctx context.Context, identifier string) (domain.BookMetadata, bool) {
	if ctx.Err() != nil {
		return domain.BookMetadata{}, false
	}
	meta, ok := c.books[normalize(identifier)]
	return meta, ok
}

// Len returns the number of catalogued books.
func (c *Catalog) Len() int {
	return len(c.books)
}

func normalize(identifier string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(identifier), "-", ""))
}
