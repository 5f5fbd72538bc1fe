// images.go: turn/start 输入构建, data URL 图片落盘为临时文件。
package backend

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/multi-agent/thread-engine/internal/thread"
	apperrors "github.com/multi-agent/thread-engine/pkg/errors"
)

const dataURLImagePrefix = "data:image/"

// TempImagePrefix 临时图片文件名前缀, 启动清理按此匹配。
const TempImagePrefix = "codex_image_"

func imageExtension(header string) string {
	switch {
	case strings.Contains(header, "image/png"):
		return "png"
	case strings.Contains(header, "image/jpeg"), strings.Contains(header, "image/jpg"):
		return "jpg"
	case strings.Contains(header, "image/gif"):
		return "gif"
	case strings.Contains(header, "image/webp"):
		return "webp"
	default:
		return "png"
	}
}

// saveDataURLImage 解码 data:image/<mime>;base64,<data> 并写入 dir, 返回文件路径。
func saveDataURLImage(dir, dataURL string, now time.Time) (string, error) {
	header, payload, ok := strings.Cut(dataURL, ",")
	if !ok {
		return "", apperrors.Wrap(apperrors.ErrInvalidInput, "backend.saveDataURLImage", "invalid data URL format")
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", apperrors.Wrap(err, "backend.saveDataURLImage", "decode base64 image")
	}
	name := fmt.Sprintf("%s%d_%d.%s", TempImagePrefix, os.Getpid(), now.UnixMilli(), imageExtension(header))
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return "", apperrors.Wrap(err, "backend.saveDataURLImage", "write temp image")
	}
	return path, nil
}

// buildTurnInputs 文本在前, 图片在后。
func buildTurnInputs(dir string, msg thread.QueuedMessage, now time.Time) ([]userInput, error) {
	inputs := make([]userInput, 0, 1+len(msg.Images))
	inputs = append(inputs, userInput{Type: "text", Text: msg.Text})
	for i, img := range msg.Images {
		path := strings.TrimSpace(img)
		if path == "" {
			continue
		}
		if strings.HasPrefix(path, dataURLImagePrefix) {
			// 同一毫秒内多张图片靠下标错开文件名
			saved, err := saveDataURLImage(dir, path, now.Add(time.Duration(i)*time.Millisecond))
			if err != nil {
				return nil, err
			}
			path = saved
		}
		inputs = append(inputs, userInput{Type: "localImage", Path: path})
	}
	return inputs, nil
}

// CleanupTempImages 删除 dir 下遗留的临时图片, 返回删除数。
func CleanupTempImages(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), TempImagePrefix) {
			continue
		}
		if os.Remove(filepath.Join(dir, entry.Name())) == nil {
			removed++
		}
	}
	return removed
}
