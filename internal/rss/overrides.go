package rss

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/iabetor/feedcog/internal/database"
	"github.com/iabetor/feedcog/internal/logger"
)

// Overrides 优先使用 published 时间的域名集合，进程内共享，由管理员命令修改。
type Overrides struct {
	mu      sync.RWMutex
	db      *database.DB
	domains map[string]bool
}

// NewOverrides 从数据库加载域名列表，并合并配置中的种子域名。db 为 nil 时只保存在内存中。
func NewOverrides(ctx context.Context, db *database.DB, seed []string) (*Overrides, error) {
	o := &Overrides{db: db, domains: make(map[string]bool)}
	if db != nil {
		rows, err := db.QueryContext(ctx, `SELECT domain FROM rss_time_overrides`)
		if err != nil {
			return nil, fmt.Errorf("加载时间覆盖列表失败: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var d string
			if err := rows.Scan(&d); err != nil {
				return nil, err
			}
			o.domains[d] = true
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	for _, d := range seed {
		if _, err := o.Add(ctx, d); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// NormalizeDomain 接受域名或 URL，返回小写且去掉 www. 的主机名。
func NormalizeDomain(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if strings.Contains(s, "://") {
		if u, err := url.Parse(s); err == nil {
			s = u.Hostname()
		}
	}
	return strings.TrimPrefix(strings.TrimSuffix(s, "/"), "www.")
}

// Contains 实现 DomainSet。子域名也匹配：youtube.com 覆盖 m.youtube.com。
func (o *Overrides) Contains(domain string) bool {
	if o == nil {
		return false
	}
	host := NormalizeDomain(domain)
	o.mu.RLock()
	defer o.mu.RUnlock()
	for host != "" {
		if o.domains[host] {
			return true
		}
		i := strings.IndexByte(host, '.')
		if i < 0 {
			return false
		}
		host = host[i+1:]
	}
	return false
}

// Add 添加域名，返回是否为新增。
func (o *Overrides) Add(ctx context.Context, domain string) (bool, error) {
	d := NormalizeDomain(domain)
	if d == "" {
		return false, fmt.Errorf("域名不能为空")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.domains[d] {
		return false, nil
	}
	if o.db != nil {
		if _, err := o.db.ExecContext(ctx, `INSERT OR IGNORE INTO rss_time_overrides (domain) VALUES (?)`, d); err != nil {
			return false, fmt.Errorf("保存时间覆盖域名失败: %w", err)
		}
	}
	o.domains[d] = true
	logger.Infof("[rss] 时间覆盖列表添加: %s", d)
	return true, nil
}

// Remove 移除域名，返回是否存在。
func (o *Overrides) Remove(ctx context.Context, domain string) (bool, error) {
	d := NormalizeDomain(domain)
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.domains[d] {
		return false, nil
	}
	if o.db != nil {
		if _, err := o.db.ExecContext(ctx, `DELETE FROM rss_time_overrides WHERE domain = ?`, d); err != nil {
			return false, fmt.Errorf("删除时间覆盖域名失败: %w", err)
		}
	}
	delete(o.domains, d)
	logger.Infof("[rss] 时间覆盖列表移除: %s", d)
	return true, nil
}

// List 返回排序后的域名。
func (o *Overrides) List() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]string, 0, len(o.domains))
	for d := range o.domains {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}
