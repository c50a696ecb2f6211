package datacache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"time"

	"judgeflow/internal/common/storage"
	appErr "judgeflow/pkg/errors"
)

// Source opens the files of one resolved manifest.
type Source interface {
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

// Fetcher resolves where the files of a problem can be read from.
type Fetcher interface {
	Resolve(ctx context.Context, source string, names []string) (Source, error)
}

// StorageFetcher reads test data straight from the blob store.
// Object keys are problem/<source>/testdata/<name>.
type StorageFetcher struct {
	storage storage.ObjectStorage
	bucket  string
}

func NewStorageFetcher(store storage.ObjectStorage, bucket string) *StorageFetcher {
	return &StorageFetcher{storage: store, bucket: bucket}
}

// TestdataKey is the object key of one test data file.
func TestdataKey(source, name string) string {
	return path.Join("problem", source, "testdata", name)
}

func (f *StorageFetcher) Resolve(_ context.Context, source string, _ []string) (Source, error) {
	return storageSource{fetcher: f, source: source}, nil
}

type storageSource struct {
	fetcher *StorageFetcher
	source  string
}

func (s storageSource) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	return s.fetcher.storage.GetObject(ctx, s.fetcher.bucket, TestdataKey(s.source, name))
}

// LinkProvider hands out download links for a set of files, usually by
// asking the judge server to presign them.
type LinkProvider interface {
	FileLinks(ctx context.Context, source string, names []string) (map[string]string, error)
}

// LinkFetcher downloads files over plain HTTP from provider issued links.
type LinkFetcher struct {
	provider LinkProvider
	client   *http.Client
}

func NewLinkFetcher(provider LinkProvider, client *http.Client) *LinkFetcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Minute}
	}
	return &LinkFetcher{provider: provider, client: client}
}

func (f *LinkFetcher) Resolve(ctx context.Context, source string, names []string) (Source, error) {
	links, err := f.provider.FileLinks(ctx, source, names)
	if err != nil {
		return nil, err
	}
	if links == nil {
		return nil, appErr.FormatError("problem not exist")
	}
	return linkSource{client: f.client, links: links}, nil
}

type linkSource struct {
	client *http.Client
	links  map[string]string
}

func (s linkSource) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	return Download(ctx, s.client, s.links[name], name)
}

// Download performs a GET and returns the body when the status is 200.
func Download(ctx context.Context, client *http.Client, url, name string) (io.ReadCloser, error) {
	if url == "" {
		return nil, appErr.Newf(appErr.ObjectNotFound, "no download link for %s", name)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return resp.Body, nil
}
