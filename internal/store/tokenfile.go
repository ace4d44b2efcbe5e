package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"saxo-trader/internal/broker"
)

// FileCredentialStore 将令牌写回 YAML 配置文件的 saxo 段，保留文件中的其他内容与注释。
type FileCredentialStore struct {
	path string
	mu   sync.Mutex
}

var _ broker.CredentialStore = (*FileCredentialStore)(nil)

// NewFileCredentialStore 创建基于文件的凭证存储。
func NewFileCredentialStore(path string) *FileCredentialStore {
	return &FileCredentialStore{path: path}
}

// Path 返回目标文件路径。
func (f *FileCredentialStore) Path() string {
	return f.path
}

// Save 通过临时文件加重命名原子地更新令牌。
func (f *FileCredentialStore) Save(_ context.Context, creds broker.Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var doc yaml.Node
	raw, err := os.ReadFile(f.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("store: 读取令牌文件失败: %w", err)
	}
	if len(raw) > 0 {
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("store: 解析令牌文件失败: %w", err)
		}
	}

	saxo := mappingChild(documentRoot(&doc), "saxo")
	setScalar(saxo, "access_token", creds.AccessToken)
	setScalar(saxo, "refresh_token", creds.RefreshToken)
	if creds.AccountKey != "" {
		setScalar(saxo, "account_key", creds.AccountKey)
	}
	if creds.Seed != "" {
		setScalar(saxo, "token_seed", creds.Seed)
	}

	out, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("store: 序列化令牌文件失败: %w", err)
	}
	return writeFileAtomic(f.path, out)
}

// Load 读取文件中的令牌，文件不存在或没有令牌时第二个返回值为 false。
func (f *FileCredentialStore) Load(_ context.Context) (broker.Credentials, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	raw, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return broker.Credentials{}, false, nil
	}
	if err != nil {
		return broker.Credentials{}, false, fmt.Errorf("store: 读取令牌文件失败: %w", err)
	}

	var doc struct {
		Saxo broker.Credentials `yaml:"saxo"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return broker.Credentials{}, false, fmt.Errorf("store: 解析令牌文件失败: %w", err)
	}
	found := doc.Saxo.AccessToken != "" || doc.Saxo.RefreshToken != ""
	return doc.Saxo, found, nil
}

func documentRoot(doc *yaml.Node) *yaml.Node {
	if doc.Kind != yaml.DocumentNode {
		*doc = yaml.Node{Kind: yaml.DocumentNode}
	}
	if len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		doc.Content = []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}
	}
	return doc.Content[0]
}

func mappingChild(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value != key {
			continue
		}
		child := m.Content[i+1]
		if child.Kind != yaml.MappingNode {
			*child = yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		}
		return child
	}
	child := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	m.Content = append(m.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}, child)
	return child
}

func setScalar(m *yaml.Node, key, value string) {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			node := m.Content[i+1]
			node.Kind = yaml.ScalarNode
			node.Tag = "!!str"
			node.Style = 0
			node.Value = value
			node.Content = nil
			return
		}
	}
	m.Content = append(m.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value},
	)
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := ensureDir(dir); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("store: 创建临时文件失败: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("store: 写入临时文件失败: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("store: 设置文件权限失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: 关闭临时文件失败: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("store: 替换令牌文件失败: %w", err)
	}
	return nil
}
