package transport

import (
	"context"
	"fmt"
	"net/url"
	"os"

	"sitevault/internal/errors"

	"github.com/Azure/azure-storage-blob-go/azblob"
)

// Azure stores objects as block blobs in one container
type Azure struct {
	container azblob.ContainerURL
}

// NewAzure creates a container client with a shared key
func NewAzure(cfg *AzureConfig) (*Azure, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.NewAppError(errors.ErrorTypeValidation, "invalid Azure storage configuration", err)
	}

	credential, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, errors.NewAppError(errors.ErrorTypeValidation, "failed to create Azure credentials", err)
	}
	pipeline := azblob.NewPipeline(credential, azblob.PipelineOptions{})

	serviceURL, err := url.Parse(fmt.Sprintf("https://%s.blob.core.windows.net", cfg.AccountName))
	if err != nil {
		return nil, errors.NewAppError(errors.ErrorTypeValidation, "failed to parse Azure service URL", err)
	}
	service := azblob.NewServiceURL(*serviceURL, pipeline)
	return &Azure{container: service.NewContainerURL(cfg.ContainerName)}, nil
}

// Upload sends localPath as block blob key
func (p *Azure) Upload(ctx context.Context, localPath, key string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	blob := p.container.NewBlockBlobURL(key)
	_, err = azblob.UploadFileToBlockBlob(ctx, f, blob, azblob.UploadToBlockBlobOptions{
		BlockSize:   4 * 1024 * 1024,
		Parallelism: 4,
		BlobHTTPHeaders: azblob.BlobHTTPHeaders{
			ContentType: "application/zip",
		},
	})
	if err != nil {
		return "", transferError("upload", key, err)
	}
	return key, nil
}

// Download writes blob id to localPath
func (p *Azure) Download(ctx context.Context, id, localPath string) error {
	blob := p.container.NewBlockBlobURL(id)
	resp, err := blob.Download(ctx, 0, azblob.CountToEnd, azblob.BlobAccessConditions{}, false, azblob.ClientProvidedKeyOptions{})
	if err != nil {
		if serr, ok := err.(azblob.StorageError); ok && serr.ServiceCode() == azblob.ServiceCodeBlobNotFound {
			return notFound(id, err)
		}
		return transferError("download", id, err)
	}
	body := resp.Body(azblob.RetryReaderOptions{MaxRetryRequests: 20})
	defer body.Close()
	return writeLocal(localPath, body, id)
}

// Delete removes blob id
func (p *Azure) Delete(ctx context.Context, id string) error {
	blob := p.container.NewBlockBlobURL(id)
	if _, err := blob.Delete(ctx, azblob.DeleteSnapshotsOptionInclude, azblob.BlobAccessConditions{}); err != nil {
		return transferError("delete", id, err)
	}
	return nil
}

// Provider implements Transport
func (p *Azure) Provider() ProviderType {
	return ProviderAzure
}
