// Package knowledge 提供合规检查使用的静态名单数据。
package knowledge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Provider 定义名单检索的通用接口。
type Provider interface {
	Lookup(address string) (Entry, bool)
}

// Entry 描述名单中的一个被标记地址。
type Entry struct {
	Address    string   `json:"address"`
	List       string   `json:"list"`
	Confidence float64  `json:"confidence"`
	Note       string   `json:"note,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

// SanctionsList 通过加载 JSON 文件提供名单匹配，地址比较不区分大小写。
type SanctionsList struct {
	entries map[string]Entry
}

// NewSanctionsList 创建名单实例，空地址会被忽略，重复地址以后出现的为准。
func NewSanctionsList(items []Entry) *SanctionsList {
	entries := make(map[string]Entry, len(items))
	for _, item := range items {
		key := normalizeAddress(item.Address)
		if key == "" {
			continue
		}
		if item.Confidence <= 0 || item.Confidence > 1 {
			item.Confidence = 1
		}
		entries[key] = item
	}
	return &SanctionsList{entries: entries}
}

// LoadSanctionsList 从 JSON 文件加载名单条目。
func LoadSanctionsList(path string) (*SanctionsList, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("名单文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析名单路径失败: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取名单文件失败: %w", err)
	}
	defer file.Close()

	var entries []Entry
	if err := json.NewDecoder(file).Decode(&entries); err != nil {
		return nil, fmt.Errorf("解析名单文件失败: %w", err)
	}

	return NewSanctionsList(entries), nil
}

// Lookup 返回地址对应的名单条目。
func (s *SanctionsList) Lookup(address string) (Entry, bool) {
	if s == nil {
		return Entry{}, false
	}
	entry, ok := s.entries[normalizeAddress(address)]
	return entry, ok
}

// Len 返回名单中的地址数量。
func (s *SanctionsList) Len() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}

func normalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

var _ Provider = (*SanctionsList)(nil)
