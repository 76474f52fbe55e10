package gdrive

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"fluidsim/internal/ports"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
)

// Client implements ports.StorageProvider backed by Google Drive.
// The object key is used as the Drive file name inside the configured
// folder. Get and Delete accept either that key or a raw fileId.
type Client struct {
	srv      *drive.Service
	folderID string
}

func NewClient(srv *drive.Service, folderID string) *Client {
	return &Client{srv: srv, folderID: folderID}
}

func (c *Client) Provider() string { return "gdrive" }

func (c *Client) PutObject(ctx context.Context, in ports.PutObjectInput) (ports.PutObjectOutput, error) {
	if in.ObjectKey == "" {
		return ports.PutObjectOutput{}, fmt.Errorf("object_key is required")
	}

	var opts []googleapi.MediaOption
	if in.ContentType != "" {
		opts = append(opts, googleapi.ContentType(in.ContentType))
	}

	existing, err := c.findByName(ctx, in.ObjectKey)
	if err != nil {
		return ports.PutObjectOutput{}, err
	}

	// Same key means same file: update in place instead of creating a
	// second file with the same name.
	if existing != "" {
		updated, err := c.srv.Files.Update(existing, &drive.File{}).
			Media(in.Reader, opts...).
			SupportsAllDrives(true).
			Context(ctx).
			Do()
		if err != nil {
			return ports.PutObjectOutput{}, fmt.Errorf("gdrive update failed: %w", err)
		}
		return ports.PutObjectOutput{ObjectKey: updated.Id, Size: in.Size}, nil
	}

	file := &drive.File{Name: in.ObjectKey}
	if c.folderID != "" {
		file.Parents = []string{c.folderID}
	}

	created, err := c.srv.Files.Create(file).
		Media(in.Reader, opts...).
		SupportsAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return ports.PutObjectOutput{}, fmt.Errorf("gdrive upload failed: %w", err)
	}

	return ports.PutObjectOutput{ObjectKey: created.Id, Size: in.Size}, nil
}

func (c *Client) GetObject(ctx context.Context, objectKey string) (rc io.ReadCloser, contentType string, size int64, err error) {
	id, err := c.resolve(ctx, objectKey)
	if err != nil {
		return nil, "", 0, err
	}

	resp, err := c.srv.Files.Get(id).
		SupportsAllDrives(true).
		Context(ctx).
		Download()
	if err != nil {
		return nil, "", 0, err
	}

	contentType = resp.Header.Get("Content-Type")
	size = resp.ContentLength
	return resp.Body, contentType, size, nil
}

func (c *Client) DeleteObject(ctx context.Context, objectKey string) error {
	id, err := c.resolve(ctx, objectKey)
	if err != nil {
		return err
	}
	return c.srv.Files.Delete(id).
		SupportsAllDrives(true).
		Context(ctx).
		Do()
}

// ObjectURL is empty: Drive files are private to the service account and
// are streamed through the API.
func (c *Client) ObjectURL(ctx context.Context, objectKey string) (string, error) {
	return "", nil
}

func (c *Client) GetSignedURL(ctx context.Context, objectKey string, expiresIn time.Duration) (ports.SignedURLOutput, error) {
	// Drive has no signed URLs.
	return ports.SignedURLOutput{URL: "", ExpiresAt: time.Now().UTC().Add(expiresIn)}, nil
}

// resolve maps an object key to a fileId. Keys produced by this package
// contain a slash; Drive ids never do.
func (c *Client) resolve(ctx context.Context, objectKey string) (string, error) {
	if !strings.Contains(objectKey, "/") {
		return objectKey, nil
	}
	id, err := c.findByName(ctx, objectKey)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", fmt.Errorf("gdrive object %s: %w", objectKey, os.ErrNotExist)
	}
	return id, nil
}

func (c *Client) findByName(ctx context.Context, name string) (string, error) {
	q := fmt.Sprintf("name = '%s' and trashed = false", escapeQuery(name))
	if c.folderID != "" {
		q += fmt.Sprintf(" and '%s' in parents", escapeQuery(c.folderID))
	}

	res, err := c.srv.Files.List().
		Q(q).
		Fields("files(id)").
		PageSize(1).
		SupportsAllDrives(true).
		IncludeItemsFromAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return "", fmt.Errorf("gdrive lookup failed: %w", err)
	}
	if len(res.Files) == 0 {
		return "", nil
	}
	return res.Files[0].Id, nil
}

func escapeQuery(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}
