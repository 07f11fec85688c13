// Copyright 2025 gorse Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package blob

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/gorse-io/nearby/config"
	"github.com/juju/errors"
)

// AzureBlob keeps artifacts in a container of Azure Blob Storage.
type AzureBlob struct {
	client    *azblob.Client
	container string
	prefix    string
}

func NewAzureBlob(cfg config.AzureBlobConfig, container string, prefix string) (*AzureBlob, error) {
	client, err := newAzureClient(cfg)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &AzureBlob{
		client:    client,
		container: container,
		prefix:    strings.Trim(prefix, "/"),
	}, nil
}

// newAzureClient prefers the connection string over the shared key.
func newAzureClient(cfg config.AzureBlobConfig) (*azblob.Client, error) {
	if cfg.ConnectionString != "" {
		return azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
	}
	if cfg.AccountName == "" || cfg.AccountKey == "" {
		return nil, errors.NotValidf("azure blob without account_name and account_key or connection_string")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccountName)
	}
	cred, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return azblob.NewClientWithSharedKeyCredential(endpoint, cred, nil)
}

func (a *AzureBlob) Open(name string) (io.ReadCloser, error) {
	resp, err := a.client.DownloadStream(context.Background(), a.container, path.Join(a.prefix, name), nil)
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return nil, errors.NotFoundf("blob %s", name)
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	return resp.Body, nil
}

// Create streams an upload. The done channel receives the result of the upload.
func (a *AzureBlob) Create(name string) (io.WriteCloser, chan error, error) {
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		defer close(done)
		_, err := a.client.UploadStream(context.Background(), a.container, path.Join(a.prefix, name), pr, nil)
		if err != nil {
			_ = pr.CloseWithError(err)
		}
		done <- errors.Trace(err)
	}()
	return pw, done, nil
}

func (a *AzureBlob) List() ([]string, error) {
	var options azblob.ListBlobsFlatOptions
	if a.prefix != "" {
		prefix := a.prefix + "/"
		options.Prefix = &prefix
	}
	var names []string
	pager := a.client.NewListBlobsFlatPager(a.container, &options)
	for pager.More() {
		resp, err := pager.NextPage(context.Background())
		if err != nil {
			return nil, errors.Trace(err)
		}
		for _, item := range resp.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			if a.prefix != "" {
				names = append(names, strings.TrimPrefix(*item.Name, a.prefix+"/"))
			} else {
				names = append(names, *item.Name)
			}
		}
	}
	return names, nil
}

func (a *AzureBlob) Remove(name string) error {
	_, err := a.client.DeleteBlob(context.Background(), a.container, path.Join(a.prefix, name), nil)
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return nil
	}
	return errors.Trace(err)
}
