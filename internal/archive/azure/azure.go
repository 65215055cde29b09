// Package azure implements the Azure Blob Storage archive backend. Batches
// are written as block blobs with the SHA-256 recorded in blob metadata so
// integrity can be checked later without downloading the batch.
package azure

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"

	"github.com/auth-gateway/auth-gateway/internal/archive"
	"github.com/auth-gateway/auth-gateway/internal/config"
	"github.com/auth-gateway/auth-gateway/pkg/checksum"
)

func init() {
	archive.Register("azure", func(cfg *config.ArchiveConfig) (archive.Store, error) {
		return New(&cfg.Azure)
	})
}

// AzureStore implements the Store interface for Azure Blob Storage
type AzureStore struct {
	client        *azblob.Client
	containerName string
}

// New creates an Azure Blob Storage archive backend using shared key auth
func New(cfg *config.ArchiveAzureConfig) (*AzureStore, error) {
	if cfg.AccountName == "" {
		return nil, fmt.Errorf("azure storage account name is required")
	}
	if cfg.AccountKey == "" {
		return nil, fmt.Errorf("azure storage account key is required")
	}
	if cfg.ContainerName == "" {
		return nil, fmt.Errorf("azure storage container name is required")
	}

	credential, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credential: %w", err)
	}

	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccountName)
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, credential, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure Blob client: %w", err)
	}

	return &AzureStore{
		client:        client,
		containerName: cfg.ContainerName,
	}, nil
}

// Put stores an object as a block blob with the SHA-256 in blob metadata
func (s *AzureStore) Put(ctx context.Context, key string, reader io.Reader, size int64) (*archive.PutResult, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read data: %w", err)
	}

	sum := checksum.SHA256Bytes(data)

	blobClient := s.client.ServiceClient().NewContainerClient(s.containerName).NewBlockBlobClient(key)

	_, err = blobClient.Upload(ctx, streaming.NopCloser(bytes.NewReader(data)), &blockblob.UploadOptions{
		Metadata: map[string]*string{
			"sha256": &sum,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload to Azure Blob: %w", err)
	}

	return &archive.PutResult{
		Key:      key,
		Size:     int64(len(data)),
		Checksum: sum,
	}, nil
}

// Get retrieves an object from Azure Blob Storage
func (s *AzureStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	blobClient := s.client.ServiceClient().NewContainerClient(s.containerName).NewBlobClient(key)

	resp, err := blobClient.DownloadStream(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to download from Azure Blob: %w", err)
	}

	return resp.Body, nil
}

// Delete removes an object from Azure Blob Storage
func (s *AzureStore) Delete(ctx context.Context, key string) error {
	exists, err := s.Exists(ctx, key)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	blobClient := s.client.ServiceClient().NewContainerClient(s.containerName).NewBlobClient(key)

	if _, err := blobClient.Delete(ctx, nil); err != nil {
		return fmt.Errorf("failed to delete from Azure Blob: %w", err)
	}

	return nil
}

// Exists checks if an object exists at the key
func (s *AzureStore) Exists(ctx context.Context, key string) (bool, error) {
	blobClient := s.client.ServiceClient().NewContainerClient(s.containerName).NewBlobClient(key)

	_, err := blobClient.GetProperties(ctx, nil)
	if err != nil {
		// Azure SDK returns a typed StorageError; absence is the common
		// case here, so treat any properties failure as not-found.
		return false, nil
	}

	return true, nil
}

// List returns up to max keys under the prefix
func (s *AzureStore) List(ctx context.Context, prefix string, max int) ([]string, error) {
	var keys []string

	pager := s.client.NewListBlobsFlatPager(s.containerName, &azblob.ListBlobsFlatOptions{
		Prefix: &prefix,
	})

	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list blobs: %w", err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil {
				keys = append(keys, *item.Name)
			}
			if max > 0 && len(keys) >= max {
				return keys, nil
			}
		}
	}

	return keys, nil
}

// Metadata retrieves object metadata without downloading the object
func (s *AzureStore) Metadata(ctx context.Context, key string) (*archive.ObjectMetadata, error) {
	blobClient := s.client.ServiceClient().NewContainerClient(s.containerName).NewBlobClient(key)

	props, err := blobClient.GetProperties(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get blob properties: %w", err)
	}

	// The SDK canonicalizes x-ms-meta-* keys on the way back (sha256 comes
	// home as Sha256), so match case-insensitively.
	var sum string
	for k, v := range props.Metadata {
		if strings.EqualFold(k, "sha256") && v != nil {
			sum = *v
			break
		}
	}

	var size int64
	if props.ContentLength != nil {
		size = *props.ContentLength
	}

	var lastModified time.Time
	if props.LastModified != nil {
		lastModified = *props.LastModified
	}

	return &archive.ObjectMetadata{
		Key:          key,
		Size:         size,
		Checksum:     sum,
		LastModified: lastModified,
	}, nil
}
