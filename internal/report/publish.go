package report

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/metgo/quillota/internal/config"
	"github.com/metgo/quillota/internal/failure"
)

// Publisher stores a rendered report under name and returns where it went.
type Publisher interface {
	Publish(ctx context.Context, name string, body []byte) (string, error)
}

// DirPublisher writes reports to a local directory.
type DirPublisher struct {
	dir string
}

func NewDirPublisher(dir string) (*DirPublisher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create report dir: %w", err)
	}
	return &DirPublisher{dir: dir}, nil
}

// Publish writes through a temporary file so readers never see a partial report.
func (p *DirPublisher) Publish(_ context.Context, name string, body []byte) (string, error) {
	dst := filepath.Join(p.dir, name)
	tmp, err := os.CreateTemp(p.dir, ".report-*")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return dst, nil
}

// FTPPublisher uploads reports to an FTP server.
type FTPPublisher struct {
	cfg     config.FTPConfig
	timeout time.Duration
}

func NewFTPPublisher(cfg config.FTPConfig) (*FTPPublisher, error) {
	if cfg.Host == "" {
		return nil, failure.Newf(failure.ConfigInvalid, "report.NewFTPPublisher", "ftp host required")
	}
	return &FTPPublisher{cfg: cfg, timeout: 30 * time.Second}, nil
}

func (p *FTPPublisher) Publish(ctx context.Context, name string, body []byte) (string, error) {
	const op = "report.ftp"
	conn, err := ftp.Dial(p.cfg.Host, ftp.DialWithTimeout(p.timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return "", failure.New(failure.Network, op, fmt.Errorf("ftp dial: %w", err))
	}
	defer conn.Quit()

	user, pass := p.cfg.User, p.cfg.Password
	if user == "" {
		user, pass = "anonymous", "anonymous"
	}
	if err := conn.Login(user, pass); err != nil {
		return "", failure.New(failure.AuthMissing, op, fmt.Errorf("ftp login: %w", err))
	}

	dst := name
	if p.cfg.Dir != "" {
		dst = path.Join(p.cfg.Dir, name)
	}
	if err := conn.Stor(dst, bytes.NewReader(body)); err != nil {
		return "", failure.New(failure.Network, op, fmt.Errorf("ftp stor: %w", err))
	}
	return "ftp://" + path.Join(p.cfg.Host, dst), nil
}
