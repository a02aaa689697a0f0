// Package commands 实现聊天命令的注册与分发。
package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/iabetor/feedcog/internal/logger"
)

// Invocation 一次命令调用的上下文。
type Invocation struct {
	ChannelID string
	AuthorID  string
	// IsOwner 机器人所有者，可以修改全局设置。
	IsOwner bool
	// CanManage 有权限修改本频道的订阅。
	CanManage bool
	// Args 去掉命令名后按空白切分的参数。
	Args []string
	// Raw 去掉命令名后的原始文本，保留空白。
	Raw string
}

// Rest 返回跳过前 n 个参数后的原始文本。
func (inv Invocation) Rest(n int) string {
	return skipFields(inv.Raw, n)
}

// Command 定义命令接口，每个命令必须自描述。
type Command interface {
	Name() string
	Description() string
	Usage() string
	Execute(ctx context.Context, inv Invocation) (string, error)
}

// Registry 管理所有已注册命令。
type Registry struct {
	commands map[string]Command
}

// NewRegistry 创建命令注册表。
func NewRegistry() *Registry {
	return &Registry{
		commands: make(map[string]Command),
	}
}

// Register 注册一个命令。
func (r *Registry) Register(c Command) {
	r.commands[strings.ToLower(c.Name())] = c
	logger.Infof("[commands] 已注册命令: %s", c.Name())
}

// Get 获取指定名称的命令。
func (r *Registry) Get(name string) (Command, bool) {
	c, ok := r.commands[strings.ToLower(name)]
	return c, ok
}

// Parse 把 "name args..." 解析为命令名和调用参数。
func Parse(text string) (string, Invocation) {
	text = strings.TrimLeftFunc(text, unicode.IsSpace)
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", Invocation{}
	}
	raw := strings.TrimLeftFunc(skipFields(text, 1), unicode.IsSpace)
	return strings.ToLower(fields[0]), Invocation{Args: fields[1:], Raw: raw}
}

// Execute 执行指定命令并返回回复文本。
func (r *Registry) Execute(ctx context.Context, name string, inv Invocation) (string, error) {
	c, ok := r.Get(name)
	if !ok {
		return "", fmt.Errorf("未知命令: %s", name)
	}
	logger.Debugf("[commands] 执行命令: %s, 参数: %q", name, inv.Args)
	result, err := c.Execute(ctx, inv)
	if err != nil {
		logger.Warnf("[commands] 命令 %s 执行失败: %v", name, err)
		return "", err
	}
	return result, nil
}

// Help 返回所有命令的用法，按名称排序。
func (r *Registry) Help() string {
	names := make([]string, 0, len(r.commands))
	for n := range r.commands {
		names = append(names, n)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, n := range names {
		c := r.commands[n]
		fmt.Fprintf(&b, "%s: %s\n%s\n", c.Name(), c.Description(), c.Usage())
	}
	return strings.TrimRight(b.String(), "\n")
}

// Count 返回已注册命令数量。
func (r *Registry) Count() int {
	return len(r.commands)
}

// skipFields 跳过 s 开头的 n 个空白分隔字段，返回剩余部分（不含紧随的一个分隔空白）。
func skipFields(s string, n int) string {
	i := 0
	for k := 0; k < n; k++ {
		for i < len(s) && isSpace(s[i]) {
			i++
		}
		for i < len(s) && !isSpace(s[i]) {
			i++
		}
	}
	if i < len(s) && isSpace(s[i]) {
		i++
	}
	return s[i:]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
