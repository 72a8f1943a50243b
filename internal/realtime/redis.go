package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel はインスタンス間でフレームを中継するPub/Subチャネル名。
const DefaultChannel = "remind:realtime"

// NewRedisClient はRedisクライアントを生成する。
func NewRedisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

// envelope はPub/Subに流す1メッセージ。
type envelope struct {
	UserID string `json:"uid"`
	Frame  string `json:"frame"`
}

func encodeEnvelope(userID string, frame []byte) ([]byte, error) {
	if userID == "" {
		return nil, errors.New("ユーザーIDが空です")
	}
	return json.Marshal(envelope{UserID: userID, Frame: string(frame)})
}

func decodeEnvelope(payload string) (envelope, error) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return envelope{}, fmt.Errorf("中継メッセージのデコードに失敗: %w", err)
	}
	if env.UserID == "" || env.Frame == "" {
		return envelope{}, errors.New("中継メッセージに必要な項目がありません")
	}
	return env, nil
}

// RedisBridge はRedis Pub/Subを介して全インスタンスのHubにフレームを届ける。
type RedisBridge struct {
	client  *redis.Client
	channel string
	hub     *Hub
}

// NewRedisBridge は新しいRedisBridgeを生成する。channelが空なら DefaultChannel を使う。
func NewRedisBridge(client *redis.Client, channel string, hub *Hub) *RedisBridge {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBridge{client: client, channel: channel, hub: hub}
}

// Publish はフレームを全インスタンスに配る。Publisher を満たす。
func (b *RedisBridge) Publish(ctx context.Context, userID string, frame []byte) error {
	payload, err := encodeEnvelope(userID, frame)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("Redisへの発行に失敗: %w", err)
	}
	return nil
}

// Run はctxがキャンセルされるまでチャネルを購読し、受け取ったフレームを
// 自インスタンスの接続に届ける。購読の確立に失敗した場合はエラーを返す。
func (b *RedisBridge) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("Redisの購読に失敗: %w", err)
	}
	log.Printf("[Realtime] Redisチャネル %s の購読を開始しました", b.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.handle(msg.Payload)
		}
	}
}

func (b *RedisBridge) handle(payload string) int {
	env, err := decodeEnvelope(payload)
	if err != nil {
		log.Printf("[Realtime] 不正な中継メッセージを破棄しました: %v", err)
		return 0
	}
	return b.hub.Deliver(env.UserID, []byte(env.Frame))
}
