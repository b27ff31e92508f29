package admin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"VPN-Subscription-bot/internal/db"
)

type fakeReconciler struct {
	n   int
	err error
}

func (f fakeReconciler) ReconcileGrants(context.Context) (int, error) { return f.n, f.err }

type recordingBot struct {
	sent []tgbotapi.Chattable
}

func (b *recordingBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	b.sent = append(b.sent, c)
	return tgbotapi.Message{}, nil
}

func newTestStore(t *testing.T) *db.Store {
	t.Helper()
	s, err := db.Open(filepath.Join(t.TempDir(), "admin.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedPaid(t *testing.T, s *db.Store, orderID string, telegramID int64, amount string, grant bool) {
	t.Helper()
	ctx := context.Background()
	_, err := s.UpsertUser(ctx, telegramID, "buyer")
	require.NoError(t, err)
	_, err = s.CreatePayment(ctx, db.CreatePaymentParams{
		OrderID: orderID, TelegramID: telegramID, Provider: "yookassa",
		AmountRub: decimal.RequireFromString(amount), Days: 30, CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	_, err = s.MarkPaymentPaid(ctx, orderID, time.Now(), "{}")
	require.NoError(t, err)
	if grant {
		require.NoError(t, s.MarkGrantApplied(ctx, orderID, time.Now().Add(30*24*time.Hour)))
	}
}

func TestAdminReplies(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedPaid(t, s, "ord_a", 10, "199.00", true)
	seedPaid(t, s, "ord_b", 11, "49.50", false)

	h := &Handler{AdminID: 1, Store: s, Payments: fakeReconciler{n: 2}, Log: zap.NewNop()}

	stats, err := h.Reply(ctx, "admin_stats", nil)
	require.NoError(t, err)
	assert.Contains(t, stats, "Пользователей: 2")
	assert.Contains(t, stats, "всего: 248.50₽")

	list, err := h.Reply(ctx, "admin_payments", nil)
	require.NoError(t, err)
	assert.Contains(t, list, "ord_a, user 10, 199.00₽, 30 дн., paid\n")
	assert.Contains(t, list, "ord_b, user 11, 49.50₽, 30 дн., paid (не начислено)")

	bad, err := h.Reply(ctx, "admin_payments", []string{"2024-13-01", "2024-01-02"})
	require.NoError(t, err)
	assert.Equal(t, "Неверный формат даты (from)", bad)

	user, err := h.Reply(ctx, "admin_user", []string{"10"})
	require.NoError(t, err)
	assert.Contains(t, user, "User 10 (@buyer)")
	assert.Contains(t, user, "Ключ: не выдан")

	missing, err := h.Reply(ctx, "admin_user", []string{"404"})
	require.NoError(t, err)
	assert.Equal(t, "Пользователь не найден", missing)

	rec, err := h.Reply(ctx, "admin_reconcile", nil)
	require.NoError(t, err)
	assert.Equal(t, "Завершено начислений: 2", rec)

	h.Payments = fakeReconciler{err: errors.New("xray down")}
	rec, err = h.Reply(ctx, "admin_reconcile", nil)
	require.NoError(t, err)
	assert.Contains(t, rec, "xray down")
}

func TestHandleAdminCommandIgnoresOthers(t *testing.T) {
	bot := &recordingBot{}
	h := &Handler{AdminID: 1, Store: newTestStore(t), Payments: fakeReconciler{}, Bot: bot, Log: zap.NewNop()}

	msg := &tgbotapi.Message{
		From:     &tgbotapi.User{ID: 2},
		Chat:     &tgbotapi.Chat{ID: 2},
		Text:     "/admin_stats",
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: 12}},
	}
	h.HandleAdminCommand(context.Background(), msg)
	assert.Empty(t, bot.sent)

	msg.From.ID = 1
	msg.Chat.ID = 1
	h.HandleAdminCommand(context.Background(), msg)
	assert.Len(t, bot.sent, 1)
	assert.False(t, h.IsAdmin(0))
}

func TestBackupSQLite(t *testing.T) {
	s := newTestStore(t)
	_, err := s.UpsertUser(context.Background(), 1, "backup")
	require.NoError(t, err)

	dir := t.TempDir()
	b := NewBackuper(s, "", dir, zap.NewNop())
	filename, err := b.Run(context.Background(), "backup")
	require.NoError(t, err)

	copyStore, err := db.Open(filename, zap.NewNop())
	require.NoError(t, err)
	defer copyStore.Close()
	u, err := copyStore.GetUser(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "backup", u.Username)
}

type pgStub struct{}

func (pgStub) Dialect() string                        { return "postgres" }
func (pgStub) Snapshot(context.Context, string) error { return errors.New("unexpected") }

func TestBackupPostgresUsesPgDump(t *testing.T) {
	b := NewBackuper(pgStub{}, "postgres://db", t.TempDir(), zap.NewNop())
	var gotDSN string
	b.runPgDump = func(_ context.Context, dsn, filename string) error {
		gotDSN = dsn
		return os.WriteFile(filename, []byte("dump"), 0o600)
	}
	filename, err := b.Run(context.Background(), "autobackup")
	require.NoError(t, err)
	assert.Equal(t, "postgres://db", gotDSN)
	assert.Equal(t, ".dump", filepath.Ext(filename))
}

func TestCleanOldBackups(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	old := filepath.Join(dir, "autobackup_20240101_000000.db")
	fresh := filepath.Join(dir, "backup_20240301_000000.dump")
	other := filepath.Join(dir, "notes.txt")
	for _, f := range []string{old, fresh, other} {
		require.NoError(t, os.WriteFile(f, []byte("x"), 0o600))
	}
	past := now.Add(-40 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))
	require.NoError(t, os.Chtimes(other, past, past))

	removed, err := CleanOldBackups(dir, 31*24*time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NoFileExists(t, old)
	assert.FileExists(t, fresh)
	assert.FileExists(t, other)
}
