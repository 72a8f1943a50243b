package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nao1215/remind/pkg/middleware"
)

// TestTokenCommand はtokenサブコマンドを検証する。
// 環境変数を変更するため並列実行しない。
func TestTokenCommand(t *testing.T) {
	t.Run("発行したトークンが署名鍵で検証できること", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "cli-test-secret")

		var out bytes.Buffer
		cmd := newRootCommand()
		cmd.SetOut(&out)
		cmd.SetArgs([]string{"token", "user-cli"})
		if err := cmd.Execute(); err != nil {
			t.Fatalf("Execute()でエラーが発生: %v", err)
		}

		got, err := middleware.NewJWT("cli-test-secret", 0).Verify(strings.TrimSpace(out.String()))
		if err != nil {
			t.Fatalf("Verify()でエラーが発生: %v", err)
		}
		if got != "user-cli" {
			t.Errorf("ユーザーID = %q, want %q", got, "user-cli")
		}
	})

	t.Run("ユーザーIDが無い場合はエラーになること", func(t *testing.T) {
		var out bytes.Buffer
		cmd := newRootCommand()
		cmd.SetOut(&out)
		cmd.SetErr(&out)
		cmd.SetArgs([]string{"token"})
		if err := cmd.Execute(); err == nil {
			t.Fatal("エラーが返されるべき")
		}
	})
}

// TestMigrateCommand はmigrateサブコマンドを検証する。
func TestMigrateCommand(t *testing.T) {
	t.Setenv("DATABASE_PATH", filepath.Join(t.TempDir(), "remind.db"))

	cmd := newRootCommand()
	cmd.SetArgs([]string{"migrate"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute()でエラーが発生: %v", err)
	}
	// 2回目も未適用のものが無いだけで成功する
	cmd = newRootCommand()
	cmd.SetArgs([]string{"migrate"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("2回目のExecute()でエラーが発生: %v", err)
	}
}
