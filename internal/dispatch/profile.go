package dispatch

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/nao1215/remind/pkg/httpclient"
)

// Profile は配信内容の補完に使うユーザー情報。どのフィールドも空でありうる。
type Profile struct {
	// DisplayName は表示名。
	DisplayName string `json:"display_name"`
	// AvatarURL はアバター画像のURL。
	AvatarURL string `json:"avatar_url"`
	// Email はメールアドレス。
	Email string `json:"email"`
}

// ProfileLookup はユーザーIDからプロフィールを引く。
type ProfileLookup interface {
	Lookup(ctx context.Context, userID string) (Profile, error)
}

// HTTPProfiles はプロフィールサービスの GET /users/:id を呼ぶ。
type HTTPProfiles struct {
	client *httpclient.Client
}

// NewHTTPProfiles は新しいHTTPProfilesを生成する。
func NewHTTPProfiles(client *httpclient.Client) *HTTPProfiles {
	return &HTTPProfiles{client: client}
}

// Lookup はプロフィールを取得する。
func (p *HTTPProfiles) Lookup(ctx context.Context, userID string) (Profile, error) {
	var profile Profile
	ctx = httpclient.WithUserID(ctx, userID)
	if err := p.client.GetJSON(ctx, "/users/"+url.PathEscape(userID), &profile); err != nil {
		return Profile{}, fmt.Errorf("プロフィールの取得に失敗: %w", err)
	}
	return profile, nil
}

// CachedProfiles は取得に成功したプロフィールを一定時間キャッシュする。
// 失敗はキャッシュしない。
type CachedProfiles struct {
	next  ProfileLookup
	cache *expirable.LRU[string, Profile]
}

// NewCachedProfiles は新しいCachedProfilesを生成する。
func NewCachedProfiles(next ProfileLookup, size int, ttl time.Duration) *CachedProfiles {
	if size <= 0 {
		size = 1024
	}
	return &CachedProfiles{
		next:  next,
		cache: expirable.NewLRU[string, Profile](size, nil, ttl),
	}
}

// Lookup はキャッシュにあればそれを返し、無ければ取得してキャッシュする。
func (c *CachedProfiles) Lookup(ctx context.Context, userID string) (Profile, error) {
	if p, ok := c.cache.Get(userID); ok {
		return p, nil
	}
	p, err := c.next.Lookup(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	c.cache.Add(userID, p)
	return p, nil
}
