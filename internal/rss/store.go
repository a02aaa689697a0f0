package rss

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/iabetor/feedcog/internal/database"
)

// Store 订阅配置存储。同一个键上的读改写必须串行。
type Store interface {
	Get(ctx context.Context, channelID, name string) (*FeedConfig, error)
	Set(ctx context.Context, channelID string, cfg FeedConfig) error
	Delete(ctx context.Context, channelID, name string) (bool, error)
	List(ctx context.Context, channelID string) ([]FeedConfig, error)
	All(ctx context.Context) (map[string]map[string]FeedConfig, error)
	// Mutate 在一个事务内读取、修改并写回，订阅不存在时返回 ErrFeedNotFound。
	Mutate(ctx context.Context, channelID, name string, fn func(*FeedConfig) error) error
}

// SQLStore 基于 SQLite 的 Store 实现。
type SQLStore struct {
	// mu 串行化读改写，SQLite 本身只有库级写锁
	mu sync.Mutex
	db *database.DB
}

// NewSQLStore 创建订阅存储，调用前需已执行 Migrate。
func NewSQLStore(db *database.DB) *SQLStore {
	return &SQLStore{db: db}
}

const feedColumns = `name, url, last_title, last_link, last_time, template, embed,
	embed_color, embed_image, embed_thumbnail, character_limit, allowed_tags`

type rowScanner interface {
	Scan(dest ...any) error
}

// withPrefix 在订阅列之前多扫描一列。
type withPrefix struct {
	rows   *sql.Rows
	prefix any
}

func (w withPrefix) Scan(dest ...any) error {
	return w.rows.Scan(append([]any{w.prefix}, dest...)...)
}

func scanFeed(row rowScanner) (FeedConfig, error) {
	var (
		c        FeedConfig
		lastTime sql.NullInt64
		color    sql.NullInt64
		allowed  string
	)
	err := row.Scan(&c.Name, &c.URL, &c.LastTitle, &c.LastLink, &lastTime, &c.Template, &c.Embed,
		&color, &c.EmbedImageTag, &c.EmbedThumbnailTag, &c.CharacterLimit, &allowed)
	if err != nil {
		return c, err
	}
	if lastTime.Valid {
		v := lastTime.Int64
		c.LastTime = &v
	}
	if color.Valid {
		v := int(color.Int64)
		c.EmbedColor = &v
	}
	if allowed != "" {
		if err := json.Unmarshal([]byte(allowed), &c.AllowedTags); err != nil {
			return c, fmt.Errorf("解析 allowed_tags 失败: %w", err)
		}
	}
	return c, nil
}

// Get 读取订阅，不存在时返回 (nil, nil)。
func (s *SQLStore) Get(ctx context.Context, channelID, name string) (*FeedConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+feedColumns+` FROM rss_feeds WHERE channel_id = ? AND name_key = ?`,
		channelID, NameKey(name))
	c, err := scanFeed(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("读取订阅 %s 失败: %w", name, err)
	}
	return &c, nil
}

// Set 新建或覆盖订阅。
func (s *SQLStore) Set(ctx context.Context, channelID string, cfg FeedConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsert(ctx, s.db.DB, channelID, cfg)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLStore) upsert(ctx context.Context, ex execer, channelID string, cfg FeedConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("订阅名称不能为空")
	}
	allowed, err := json.Marshal(normalizeTags(cfg.AllowedTags))
	if err != nil {
		return err
	}
	var lastTime, color any
	if cfg.LastTime != nil {
		lastTime = *cfg.LastTime
	}
	if cfg.EmbedColor != nil {
		color = *cfg.EmbedColor
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO rss_feeds (channel_id, name_key, `+feedColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(channel_id, name_key) DO UPDATE SET
			name = excluded.name,
			url = excluded.url,
			last_title = excluded.last_title,
			last_link = excluded.last_link,
			last_time = excluded.last_time,
			template = excluded.template,
			embed = excluded.embed,
			embed_color = excluded.embed_color,
			embed_image = excluded.embed_image,
			embed_thumbnail = excluded.embed_thumbnail,
			character_limit = excluded.character_limit,
			allowed_tags = excluded.allowed_tags,
			updated_at = CURRENT_TIMESTAMP`,
		channelID, cfg.Key(), cfg.Name, cfg.URL, cfg.LastTitle, cfg.LastLink, lastTime,
		cfg.Template, cfg.Embed, color, cfg.EmbedImageTag, cfg.EmbedThumbnailTag,
		cfg.CharacterLimit, string(allowed))
	if err != nil {
		return fmt.Errorf("保存订阅 %s 失败: %w", cfg.Name, err)
	}
	return nil
}

// Delete 删除订阅，返回是否存在。
func (s *SQLStore) Delete(ctx context.Context, channelID, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM rss_feeds WHERE channel_id = ? AND name_key = ?`,
		channelID, NameKey(name))
	if err != nil {
		return false, fmt.Errorf("删除订阅 %s 失败: %w", name, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// List 列出频道内的订阅，按名称排序。
func (s *SQLStore) List(ctx context.Context, channelID string) ([]FeedConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+feedColumns+` FROM rss_feeds WHERE channel_id = ? ORDER BY name_key`, channelID)
	if err != nil {
		return nil, fmt.Errorf("列出订阅失败: %w", err)
	}
	defer rows.Close()

	var out []FeedConfig
	for rows.Next() {
		c, err := scanFeed(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// All 返回 频道 → 名称键 → 配置 的全部订阅。
func (s *SQLStore) All(ctx context.Context) (map[string]map[string]FeedConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel_id, `+feedColumns+` FROM rss_feeds ORDER BY channel_id, name_key`)
	if err != nil {
		return nil, fmt.Errorf("读取全部订阅失败: %w", err)
	}
	defer rows.Close()

	out := make(map[string]map[string]FeedConfig)
	for rows.Next() {
		var channelID string
		c, err := scanFeed(withPrefix{rows, &channelID})
		if err != nil {
			return nil, err
		}
		if out[channelID] == nil {
			out[channelID] = make(map[string]FeedConfig)
		}
		out[channelID][c.Key()] = c
	}
	return out, rows.Err()
}

// Mutate 实现 Store。
func (s *SQLStore) Mutate(ctx context.Context, channelID, name string, fn func(*FeedConfig) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+feedColumns+` FROM rss_feeds WHERE channel_id = ? AND name_key = ?`,
		channelID, NameKey(name))
	c, err := scanFeed(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrFeedNotFound
	}
	if err != nil {
		return err
	}
	key := c.Key()
	if err := fn(&c); err != nil {
		return err
	}
	if c.Key() != key {
		return fmt.Errorf("Mutate 不能修改订阅名称")
	}
	if err := s.upsert(ctx, tx, channelID, c); err != nil {
		return err
	}
	return tx.Commit()
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
