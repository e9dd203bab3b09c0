package browser

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

// watchDownloads 下载保存到 DownloadDir，完成后改回浏览器建议的文件名
func (s *Session) watchDownloads(b *rod.Browser) error {
	if err := os.MkdirAll(s.cfg.DownloadDir, 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}
	err := proto.BrowserSetDownloadBehavior{
		Behavior:      proto.BrowserSetDownloadBehaviorBehaviorAllowAndName,
		DownloadPath:  s.cfg.DownloadDir,
		EventsEnabled: true,
	}.Call(b)
	if err != nil {
		return fmt.Errorf("set download behavior: %w", err)
	}

	names := make(map[string]string)
	waitFn := b.EachEvent(
		func(e *proto.BrowserDownloadWillBegin) {
			names[e.GUID] = e.SuggestedFilename
		},
		func(e *proto.BrowserDownloadProgress) {
			switch e.State {
			case proto.BrowserDownloadProgressStateCompleted:
				name := names[e.GUID]
				delete(names, e.GUID)
				dst := UniquePath(s.cfg.DownloadDir, name)
				if err := os.Rename(filepath.Join(s.cfg.DownloadDir, e.GUID), dst); err != nil {
					s.logger.Warn("Failed to rename download", zap.String("file", name), zap.Error(err))
					return
				}
				s.logger.Info("Download saved", zap.String("path", dst))
			case proto.BrowserDownloadProgressStateCanceled:
				delete(names, e.GUID)
			}
		},
	)
	go waitFn()
	return nil
}

// UniquePath 在 dir 下为 name 找一个不冲突的路径: a.csv, a (1).csv, a (2).csv ...
func UniquePath(dir, name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = "download"
	}
	candidate := filepath.Join(dir, name)
	if _, err := os.Stat(candidate); os.IsNotExist(err) {
		return candidate
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}
