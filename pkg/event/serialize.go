package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// New は新しいイベントを生成する。
// dataにはイベント固有のデータ構造体を渡す。JSON形式にシリアライズされる。
func New(name Type, data any) (*Event, error) {
	if name == "" {
		return nil, errors.New("イベント名が空です")
	}
	if bytes.ContainsAny([]byte(name), "\r\n") {
		return nil, fmt.Errorf("イベント名に改行は使えません: %q", name)
	}
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("イベントデータのシリアライズに失敗: %w", err)
	}
	return &Event{Name: name, Data: jsonData}, nil
}

// Frame はイベントをストリーム用のフレームに変換する。
//
//	event: <name>
//	data: <json>
//	(空行)
//
// json.Marshalの出力は改行を含まないため data: 行は常に1行になる。
func (e *Event) Frame() []byte {
	var b bytes.Buffer
	b.Grow(len(e.Name) + len(e.Data) + 16)
	b.WriteString("event: ")
	b.WriteString(string(e.Name))
	b.WriteString("\ndata: ")
	b.Write(e.Data)
	b.WriteString("\n\n")
	return b.Bytes()
}

// Encode はイベント名とデータから直接フレームを生成する。
func Encode(name Type, data any) ([]byte, error) {
	ev, err := New(name, data)
	if err != nil {
		return nil, err
	}
	return ev.Frame(), nil
}

// Comment はクライアントに無視されるコメント行のフレームを返す。ハートビートに使う。
func Comment(text string) []byte {
	return []byte(": " + text + "\n\n")
}

// Parse は Frame が生成した1フレームをイベントに戻す。
func Parse(frame []byte) (*Event, error) {
	body, ok := bytes.CutSuffix(frame, []byte("\n\n"))
	if !ok {
		return nil, errors.New("フレームの終端がありません")
	}
	nameLine, dataLine, ok := bytes.Cut(body, []byte("\n"))
	if !ok {
		return nil, errors.New("data行がありません")
	}
	name, ok := bytes.CutPrefix(nameLine, []byte("event: "))
	if !ok {
		return nil, fmt.Errorf("event行が不正です: %q", nameLine)
	}
	data, ok := bytes.CutPrefix(dataLine, []byte("data: "))
	if !ok {
		return nil, fmt.Errorf("data行が不正です: %q", dataLine)
	}
	if !json.Valid(data) {
		return nil, errors.New("dataがJSONではありません")
	}
	return &Event{Name: Type(name), Data: bytes.Clone(data)}, nil
}

// DecodeData はイベントのDataフィールドを指定された型にデシリアライズする。
func DecodeData[T any](e *Event) (*T, error) {
	var data T
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return nil, fmt.Errorf("イベントデータのデシリアライズに失敗: %w", err)
	}
	return &data, nil
}
