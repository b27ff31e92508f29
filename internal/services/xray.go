package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

var ErrNoVlessInbound = errors.New("no vless inbound in xray config")

type XrayClient struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Level int    `json:"level,omitempty"`
	Flow  string `json:"flow,omitempty"`
}

// ClientEmail возвращает метку клиента в config.json, по ней выдача идемпотентна.
func ClientEmail(telegramID int64) string {
	return fmt.Sprintf("tg_%d", telegramID)
}

// AddXrayClient добавляет клиента в первый vless inbound. Если клиент с таким
// email уже есть, конфиг не меняется и возвращается его id. Поля, о которых
// бот не знает, сохраняются как есть.
func AddXrayClient(data []byte, c XrayClient) (out []byte, id string, added bool, err error) {
	var root map[string]json.RawMessage
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, "", false, fmt.Errorf("parse xray config: %w", err)
	}
	var inbounds []map[string]json.RawMessage
	if raw, ok := root["inbounds"]; ok {
		if err := json.Unmarshal(raw, &inbounds); err != nil {
			return nil, "", false, fmt.Errorf("parse inbounds: %w", err)
		}
	}

	idx := -1
	for i, in := range inbounds {
		var proto string
		_ = json.Unmarshal(in["protocol"], &proto)
		if proto == "vless" {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, "", false, ErrNoVlessInbound
	}

	settings := map[string]json.RawMessage{}
	if raw, ok := inbounds[idx]["settings"]; ok {
		if err := json.Unmarshal(raw, &settings); err != nil {
			return nil, "", false, fmt.Errorf("parse inbound settings: %w", err)
		}
	}
	var clients []XrayClient
	if raw, ok := settings["clients"]; ok {
		if err := json.Unmarshal(raw, &clients); err != nil {
			return nil, "", false, fmt.Errorf("parse clients: %w", err)
		}
	}
	for _, existing := range clients {
		if existing.Email == c.Email {
			return data, existing.ID, false, nil
		}
	}
	clients = append(clients, c)

	if settings["clients"], err = json.Marshal(clients); err != nil {
		return nil, "", false, err
	}
	if inbounds[idx]["settings"], err = json.Marshal(settings); err != nil {
		return nil, "", false, err
	}
	if root["inbounds"], err = json.Marshal(inbounds); err != nil {
		return nil, "", false, err
	}
	out, err = json.MarshalIndent(root, "", "  ")
	if err != nil {
		return nil, "", false, err
	}
	return out, c.ID, true, nil
}

// Remote выполняет операции на сервере Xray.
type Remote interface {
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte) error
	Run(cmd string) error
	Close() error
}

type XrayConfig struct {
	Host           string
	Port           string
	User           string
	KeyPath        string
	KnownHostsPath string
	ConfigPath     string
	Flow           string
}

// XrayIssuer выдаёт ключ, добавляя клиента VLESS в config.json на сервере
// по SSH и перезапуская xray.
type XrayIssuer struct {
	cfg  XrayConfig
	log  *zap.Logger
	dial func(ctx context.Context) (Remote, error)

	mu sync.Mutex
}

func NewXrayIssuer(cfg XrayConfig, log *zap.Logger) *XrayIssuer {
	if cfg.KnownHostsPath == "" {
		log.Warn("known_hosts is not set, xray host key is not verified", zap.String("host", cfg.Host))
	}
	x := &XrayIssuer{cfg: cfg, log: log}
	x.dial = x.dialSSH
	return x
}

func (x *XrayIssuer) Issue(ctx context.Context, telegramID int64) (string, error) {
	// правки config.json не должны пересекаться
	x.mu.Lock()
	defer x.mu.Unlock()

	r, err := x.dial(ctx)
	if err != nil {
		return "", fmt.Errorf("connect to xray host: %w", err)
	}
	defer r.Close()

	data, err := r.ReadFile(x.cfg.ConfigPath)
	if err != nil {
		return "", fmt.Errorf("read xray config: %w", err)
	}
	client := XrayClient{ID: uuid.NewString(), Email: ClientEmail(telegramID), Flow: x.cfg.Flow}
	out, id, added, err := AddXrayClient(data, client)
	if err != nil {
		return "", err
	}
	if !added {
		x.log.Info("xray client already present", zap.Int64("telegram_id", telegramID))
		return id, nil
	}
	if err := r.WriteFile(x.cfg.ConfigPath, out); err != nil {
		return "", fmt.Errorf("write xray config: %w", err)
	}
	if err := r.Run("systemctl restart xray"); err != nil {
		return "", fmt.Errorf("restart xray: %w", err)
	}
	x.log.Info("xray client added", zap.Int64("telegram_id", telegramID), zap.String("host", x.cfg.Host))
	return id, nil
}

func (x *XrayIssuer) dialSSH(ctx context.Context) (Remote, error) {
	key, err := os.ReadFile(x.cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key: %w", err)
	}
	hostKey := ssh.InsecureIgnoreHostKey()
	if x.cfg.KnownHostsPath != "" {
		if hostKey, err = knownhosts.New(x.cfg.KnownHostsPath); err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
	}
	sshCfg := &ssh.ClientConfig{
		User:            x.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKey,
	}

	addr := net.JoinHostPort(x.cfg.Host, x.cfg.Port)
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, sshCfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	r := &sshRemote{client: ssh.NewClient(c, chans, reqs), done: make(chan struct{})}
	go func() {
		select {
		case <-ctx.Done():
			r.client.Close()
		case <-r.done:
		}
	}()
	return r, nil
}

type sshRemote struct {
	client *ssh.Client
	done   chan struct{}
	once   sync.Once
}

func (r *sshRemote) ReadFile(path string) ([]byte, error) {
	var out bytes.Buffer
	if err := r.exec("cat "+shellQuote(path), nil, &out); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// WriteFile заменяет файл атомарно: запись во временный файл и mv.
func (r *sshRemote) WriteFile(path string, data []byte) error {
	tmp := shellQuote(path + ".tmp")
	return r.exec("cat > "+tmp+" && mv "+tmp+" "+shellQuote(path), bytes.NewReader(data), nil)
}

func (r *sshRemote) Run(cmd string) error {
	return r.exec(cmd, nil, nil)
}

func (r *sshRemote) exec(cmd string, stdin *bytes.Reader, stdout *bytes.Buffer) error {
	s, err := r.client.NewSession()
	if err != nil {
		return err
	}
	defer s.Close()
	var stderr bytes.Buffer
	if stdin != nil {
		s.Stdin = stdin
	}
	if stdout != nil {
		s.Stdout = stdout
	}
	s.Stderr = &stderr
	if err := s.Run(cmd); err != nil {
		return fmt.Errorf("%s: %w: %s", cmd, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func (r *sshRemote) Close() error {
	r.once.Do(func() { close(r.done) })
	return r.client.Close()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// UUIDIssuer только генерирует UUID, когда сервер Xray не настроен.
type UUIDIssuer struct{}

func (UUIDIssuer) Issue(context.Context, int64) (string, error) {
	return uuid.NewString(), nil
}
