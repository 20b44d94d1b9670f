package gdrive

import (
	"context"
	"fmt"
	"io"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"renderhub/internal/ports"
)

type Config struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	FolderID     string
}

// Client implements ports.StorageProvider on a Google Drive folder. Objects
// are stored flat under the folder with the object key as the file name, and
// PutObject returns the Drive file ID as the key to read them back with.
type Client struct {
	srv      *drive.Service
	folderID string
}

// New authenticates with a long-lived refresh token.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.RefreshToken == "" {
		return nil, fmt.Errorf("gdrive client id, secret and refresh token are required")
	}

	conf := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{drive.DriveFileScope},
	}
	httpClient := conf.Client(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})

	srv, err := drive.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}
	return NewClient(srv, cfg.FolderID), nil
}

func NewClient(srv *drive.Service, folderID string) *Client {
	return &Client{srv: srv, folderID: folderID}
}

func (c *Client) Provider() string { return "gdrive" }

func (c *Client) PutObject(ctx context.Context, in ports.PutObjectInput) (ports.PutObjectOutput, error) {
	if in.ObjectKey == "" {
		return ports.PutObjectOutput{}, fmt.Errorf("object_key is required")
	}

	file := &drive.File{Name: in.ObjectKey}
	if c.folderID != "" {
		file.Parents = []string{c.folderID}
	}

	call := c.srv.Files.Create(file).SupportsAllDrives(true)
	if in.ContentType != "" {
		call = call.Media(in.Reader, googleapi.ContentType(in.ContentType))
	} else {
		call = call.Media(in.Reader)
	}

	created, err := call.Context(ctx).Do()
	if err != nil {
		return ports.PutObjectOutput{}, fmt.Errorf("gdrive upload %s: %w", in.ObjectKey, err)
	}
	return ports.PutObjectOutput{ObjectKey: created.Id, Size: in.Size}, nil
}

func (c *Client) GetObject(ctx context.Context, objectKey string) (io.ReadCloser, ports.ObjectInfo, error) {
	resp, err := c.srv.Files.Get(objectKey).
		SupportsAllDrives(true).
		Context(ctx).
		Download()
	if err != nil {
		return nil, ports.ObjectInfo{}, fmt.Errorf("gdrive download %s: %w", objectKey, err)
	}
	return resp.Body, ports.ObjectInfo{
		ContentType: resp.Header.Get("Content-Type"),
		Size:        resp.ContentLength,
	}, nil
}

// DeletePrefix removes every file in the folder whose name starts with prefix.
func (c *Client) DeletePrefix(ctx context.Context, prefix string) error {
	q := prefixQuery(c.folderID, prefix)

	var ids []string
	err := c.srv.Files.List().
		Q(q).
		Fields("nextPageToken, files(id, name)").
		SupportsAllDrives(true).
		IncludeItemsFromAllDrives(true).
		Pages(ctx, func(page *drive.FileList) error {
			for _, f := range page.Files {
				if strings.HasPrefix(f.Name, prefix) {
					ids = append(ids, f.Id)
				}
			}
			return nil
		})
	if err != nil {
		return fmt.Errorf("gdrive list %s: %w", prefix, err)
	}

	for _, id := range ids {
		if err := c.srv.Files.Delete(id).SupportsAllDrives(true).Context(ctx).Do(); err != nil {
			return fmt.Errorf("gdrive delete %s: %w", id, err)
		}
	}
	return nil
}

// prefixQuery builds a Drive search expression. Drive has no prefix operator,
// so the caller filters the "contains" matches again.
func prefixQuery(folderID, prefix string) string {
	escaped := strings.ReplaceAll(strings.ReplaceAll(prefix, `\`, `\\`), `'`, `\'`)
	q := fmt.Sprintf("name contains '%s' and trashed = false", escaped)
	if folderID != "" {
		q += fmt.Sprintf(" and '%s' in parents", folderID)
	}
	return q
}
