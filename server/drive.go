package server

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

const (
	folderMimeType = "application/vnd.google-apps.folder"
	backupMimeType = "application/x-sqlite3"
)

// DriveRemote stores backups as files inside one Drive folder.
type DriveRemote struct {
	svc        *drive.Service
	folderName string
	prefix     string

	mu       sync.Mutex
	folderID string
}

// DriveRemoteFactory returns a RemoteFactory bound to the drive config.
func DriveRemoteFactory(cfg DriveConfig, opts ...option.ClientOption) RemoteFactory {
	return func(ctx context.Context, ts oauth2.TokenSource) (BackupRemote, error) {
		clientOpts := append([]option.ClientOption{option.WithTokenSource(ts)}, opts...)
		svc, err := drive.NewService(ctx, clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("init drive client: %w", err)
		}
		return &DriveRemote{svc: svc, folderName: cfg.FolderName, prefix: cfg.BackupPrefix}, nil
	}
}

func (d *DriveRemote) folder(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.folderID != "" {
		return d.folderID, nil
	}

	q := fmt.Sprintf("mimeType = '%s' and name = '%s' and trashed = false", folderMimeType, escapeQuery(d.folderName))
	list, err := d.svc.Files.List().Q(q).Spaces("drive").Fields("files(id, name)").PageSize(1).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("find backup folder: %w", err)
	}
	if len(list.Files) > 0 {
		d.folderID = list.Files[0].Id
		return d.folderID, nil
	}

	created, err := d.svc.Files.Create(&drive.File{Name: d.folderName, MimeType: folderMimeType}).Fields("id").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("create backup folder: %w", err)
	}
	d.folderID = created.Id
	return d.folderID, nil
}

// Upload stores r as a new backup file.
func (d *DriveRemote) Upload(ctx context.Context, name string, r io.Reader) (BackupObject, error) {
	folderID, err := d.folder(ctx)
	if err != nil {
		return BackupObject{}, err
	}
	file := &drive.File{Name: name, MimeType: backupMimeType, Parents: []string{folderID}}
	created, err := d.svc.Files.Create(file).Media(r).Fields("id, name, createdTime, size").Context(ctx).Do()
	if err != nil {
		return BackupObject{}, fmt.Errorf("upload backup: %w", err)
	}
	return toBackupObject(created), nil
}

func (d *DriveRemote) list(ctx context.Context, pageSize int64) ([]*drive.File, error) {
	folderID, err := d.folder(ctx)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf("'%s' in parents and name contains '%s' and trashed = false", escapeQuery(folderID), escapeQuery(d.prefix))
	call := d.svc.Files.List().Q(q).OrderBy("createdTime desc").Fields("nextPageToken, files(id, name, createdTime, size)")
	if pageSize > 0 {
		call = call.PageSize(pageSize)
		list, err := call.Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("list backups: %w", err)
		}
		return list.Files, nil
	}
	var files []*drive.File
	err = call.Pages(ctx, func(page *drive.FileList) error {
		files = append(files, page.Files...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	return files, nil
}

// Latest returns the newest backup.
func (d *DriveRemote) Latest(ctx context.Context) (BackupObject, error) {
	files, err := d.list(ctx, 1)
	if err != nil {
		return BackupObject{}, err
	}
	if len(files) == 0 {
		return BackupObject{}, ErrNoBackup
	}
	return toBackupObject(files[0]), nil
}

// Download streams the contents of a backup.
func (d *DriveRemote) Download(ctx context.Context, id string) (io.ReadCloser, error) {
	resp, err := d.svc.Files.Get(id).Context(ctx).Download()
	if err != nil {
		return nil, fmt.Errorf("download backup %s: %w", id, err)
	}
	return resp.Body, nil
}

// Prune deletes all but the newest keep backups. keep <= 0 keeps everything.
func (d *DriveRemote) Prune(ctx context.Context, keep int) error {
	if keep <= 0 {
		return nil
	}
	files, err := d.list(ctx, 0)
	if err != nil {
		return err
	}
	for i := keep; i < len(files); i++ {
		if err := d.svc.Files.Delete(files[i].Id).Context(ctx).Do(); err != nil {
			return fmt.Errorf("delete old backup %s: %w", files[i].Name, err)
		}
	}
	return nil
}

func toBackupObject(f *drive.File) BackupObject {
	obj := BackupObject{ID: f.Id, Name: f.Name, Size: f.Size}
	if t, err := time.Parse(time.RFC3339, f.CreatedTime); err == nil {
		obj.CreatedAt = t
	}
	return obj
}

var queryEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

// escapeQuery quotes a value for use inside a single-quoted Drive query
// string.
func escapeQuery(v string) string {
	return queryEscaper.Replace(v)
}
