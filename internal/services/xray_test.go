package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const sampleXrayConfig = `{
  "log": {"loglevel": "warning"},
  "inbounds": [
    {"port": 10085, "protocol": "dokodemo-door", "tag": "api", "settings": {"address": "127.0.0.1"}},
    {
      "port": 443,
      "protocol": "vless",
      "settings": {
        "clients": [{"id": "11111111-1111-1111-1111-111111111111", "email": "tg_1", "flow": "xtls-rprx-vision"}],
        "decryption": "none"
      },
      "streamSettings": {"network": "tcp", "security": "reality"}
    }
  ],
  "outbounds": [{"protocol": "freedom"}]
}`

func TestAddXrayClient(t *testing.T) {
	out, id, added, err := AddXrayClient([]byte(sampleXrayConfig), XrayClient{ID: "new-id", Email: "tg_2", Flow: "xtls-rprx-vision"})
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, "new-id", id)

	var cfg struct {
		Log       map[string]string `json:"log"`
		Outbounds []map[string]any  `json:"outbounds"`
		Inbounds  []struct {
			Protocol string `json:"protocol"`
			Settings struct {
				Clients    []XrayClient `json:"clients"`
				Decryption string       `json:"decryption"`
				Address    string       `json:"address"`
			} `json:"settings"`
			StreamSettings map[string]string `json:"streamSettings"`
		} `json:"inbounds"`
	}
	require.NoError(t, json.Unmarshal(out, &cfg))
	require.Len(t, cfg.Inbounds, 2)
	assert.Equal(t, "127.0.0.1", cfg.Inbounds[0].Settings.Address)
	assert.Empty(t, cfg.Inbounds[0].Settings.Clients)

	vless := cfg.Inbounds[1]
	require.Len(t, vless.Settings.Clients, 2)
	assert.Equal(t, "tg_2", vless.Settings.Clients[1].Email)
	assert.Equal(t, "none", vless.Settings.Decryption)
	assert.Equal(t, "reality", vless.StreamSettings["security"])
	assert.Equal(t, "warning", cfg.Log["loglevel"])
	assert.Len(t, cfg.Outbounds, 1)
}

func TestAddXrayClientExisting(t *testing.T) {
	out, id, added, err := AddXrayClient([]byte(sampleXrayConfig), XrayClient{ID: "other", Email: "tg_1"})
	require.NoError(t, err)
	assert.False(t, added)
	assert.Equal(t, "11111111-1111-1111-1111-111111111111", id)
	assert.Equal(t, sampleXrayConfig, string(out))
}

func TestAddXrayClientErrors(t *testing.T) {
	_, _, _, err := AddXrayClient([]byte(`{"inbounds":[{"protocol":"vmess"}]}`), XrayClient{ID: "x", Email: "tg_1"})
	assert.ErrorIs(t, err, ErrNoVlessInbound)

	_, _, _, err = AddXrayClient([]byte(`not json`), XrayClient{ID: "x", Email: "tg_1"})
	assert.Error(t, err)

	out, _, added, err := AddXrayClient([]byte(`{"inbounds":[{"protocol":"vless"}]}`), XrayClient{ID: "x", Email: "tg_1"})
	require.NoError(t, err)
	assert.True(t, added)
	assert.Contains(t, string(out), `"tg_1"`)
}

type fakeRemote struct {
	files    map[string][]byte
	commands []string
	runErr   error
	closed   bool
}

func (f *fakeRemote) ReadFile(path string) ([]byte, error) {
	data, ok := f.files[path]
	if !ok {
		return nil, errors.New("no such file")
	}
	return data, nil
}

func (f *fakeRemote) WriteFile(path string, data []byte) error {
	f.files[path] = data
	return nil
}

func (f *fakeRemote) Run(cmd string) error {
	f.commands = append(f.commands, cmd)
	return f.runErr
}

func (f *fakeRemote) Close() error {
	f.closed = true
	return nil
}

func newTestXray(remote *fakeRemote) *XrayIssuer {
	x := NewXrayIssuer(XrayConfig{Host: "vpn.example", ConfigPath: "/etc/xray.json", Flow: "xtls-rprx-vision"}, zap.NewNop())
	x.dial = func(context.Context) (Remote, error) { return remote, nil }
	return x
}

func TestXrayIssuerIssue(t *testing.T) {
	remote := &fakeRemote{files: map[string][]byte{"/etc/xray.json": []byte(sampleXrayConfig)}}
	x := newTestXray(remote)

	id, err := x.Issue(context.Background(), 42)
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	assert.NoError(t, err)
	assert.Equal(t, []string{"systemctl restart xray"}, remote.commands)
	assert.Contains(t, string(remote.files["/etc/xray.json"]), id)
	assert.True(t, remote.closed)

	// повтор после таймаута возвращает тот же клиент без перезапуска
	again, err := x.Issue(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Len(t, remote.commands, 1)
}

func TestXrayIssuerRestartFailure(t *testing.T) {
	remote := &fakeRemote{files: map[string][]byte{"/etc/xray.json": []byte(sampleXrayConfig)}, runErr: errors.New("exit 1")}
	_, err := newTestXray(remote).Issue(context.Background(), 7)
	assert.Error(t, err)
}

func TestXrayIssuerDialFailure(t *testing.T) {
	x := newTestXray(nil)
	x.dial = func(context.Context) (Remote, error) { return nil, errors.New("connection refused") }
	_, err := x.Issue(context.Background(), 7)
	assert.ErrorContains(t, err, "connection refused")
}

func TestXrayIssuerWarnsWithoutKnownHosts(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	NewXrayIssuer(XrayConfig{Host: "vpn.example"}, zap.New(core))
	require.Equal(t, 1, logs.Len())
	assert.Contains(t, logs.All()[0].Message, "known_hosts")

	core, logs = observer.New(zapcore.WarnLevel)
	NewXrayIssuer(XrayConfig{Host: "vpn.example", KnownHostsPath: "/etc/ssh/known_hosts"}, zap.New(core))
	assert.Zero(t, logs.Len())
}

func TestUUIDIssuer(t *testing.T) {
	a, err := UUIDIssuer{}.Issue(context.Background(), 1)
	require.NoError(t, err)
	b, err := UUIDIssuer{}.Issue(context.Background(), 1)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, `'/etc/x y.json'`, shellQuote("/etc/x y.json"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}
