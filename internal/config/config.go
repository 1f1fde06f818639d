// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config carrega e valida a configuração YAML dos dois binários do
// proxy. Os dois lados compartilham o bloco do canal; diferem no papel do
// socket de display (criado no lado aplicação, consumido no lado display).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ChannelInfo configura o canal entre os peers.
type ChannelInfo struct {
	Address     string        `yaml:"address"`
	Compression string        `yaml:"compression"` // none | lz4 | zstd | gzip
	Throttle    string        `yaml:"throttle"`    // ex: "10mb" (bytes/s), "0" = sem limite
	ThrottleRaw int64         `yaml:"-"`
	QueueSize   string        `yaml:"queue_size"` // fila de saída, ex: "4mb"
	QueueRaw    int64         `yaml:"-"`
	Keepalive   time.Duration `yaml:"keepalive"`
	TLS         TLSInfo       `yaml:"tls"`
}

// TLSInfo contém os caminhos dos certificados mTLS do canal.
// CACert vazio desabilita TLS (canal em claro, ex: dentro de um túnel SSH).
type TLSInfo struct {
	CACert string `yaml:"ca_cert"`
	Cert   string `yaml:"cert"`
	Key    string `yaml:"key"`
}

// Enabled informa se o canal deve usar TLS.
func (t *TLSInfo) Enabled() bool { return t.CACert != "" }

// DisplayInfo aponta o socket do display protocol.
type DisplayInfo struct {
	Socket string `yaml:"socket"`
}

// ResyncInfo contém a cron expression dos resyncs completos agendados.
// Vazio desabilita. O tracking de damage via protocolo é lossy; o resync
// varre cada buffer contra o espelho e transmite o que passou batido.
type ResyncInfo struct {
	Schedule string `yaml:"schedule"`
}

// StatusInfo configura o endpoint HTTP de status. Vazio desabilita.
type StatusInfo struct {
	Address string `yaml:"address"`
}

// LoggingInfo contém configurações de logging. SessionDir, quando
// preenchido, ganha um arquivo DEBUG por sessão de canal.
type LoggingInfo struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	SessionDir string `yaml:"session_dir"`
}

// StatsInfo configura o reporter periódico de métricas do plano de dados.
type StatsInfo struct {
	Interval time.Duration `yaml:"interval"`
}

// ClientConfig é a configuração do nrelay-client (host da aplicação): cria
// o socket de display falso e disca o canal.
type ClientConfig struct {
	Display DisplayInfo `yaml:"display"`
	Channel ChannelInfo `yaml:"channel"`
	// Workers fixa o pool de diff+compressão; 0 usa max(ncpu/2, 1).
	Workers int         `yaml:"workers"`
	Resync  ResyncInfo  `yaml:"resync"`
	Status  StatusInfo  `yaml:"status"`
	Stats   StatsInfo   `yaml:"stats"`
	Logging LoggingInfo `yaml:"logging"`
}

// ServerConfig é a configuração do nrelay-server (host do display): escuta
// o canal e conecta no socket real do compositor.
type ServerConfig struct {
	Display DisplayInfo `yaml:"display"`
	Channel ChannelInfo `yaml:"channel"`
	Workers int         `yaml:"workers"`
	Resync  ResyncInfo  `yaml:"resync"`
	Status  StatusInfo  `yaml:"status"`
	Stats   StatsInfo   `yaml:"stats"`
	Logging LoggingInfo `yaml:"logging"`
}

// LoadClientConfig lê e valida o arquivo YAML do lado aplicação.
func LoadClientConfig(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading client config: %w", err)
	}
	var cfg ClientConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing client config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating client config: %w", err)
	}
	return &cfg, nil
}

// LoadServerConfig lê e valida o arquivo YAML do lado display.
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading server config: %w", err)
	}
	var cfg ServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing server config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating server config: %w", err)
	}
	return &cfg, nil
}

func (c *ClientConfig) validate() error {
	if c.Display.Socket == "" {
		return fmt.Errorf("display.socket is required")
	}
	if err := c.Channel.validate(); err != nil {
		return err
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must be non-negative, got %d", c.Workers)
	}
	c.Stats.applyDefaults()
	c.Logging.applyDefaults()
	return nil
}

func (c *ServerConfig) validate() error {
	if c.Display.Socket == "" {
		return fmt.Errorf("display.socket is required")
	}
	if err := c.Channel.validate(); err != nil {
		return err
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must be non-negative, got %d", c.Workers)
	}
	c.Stats.applyDefaults()
	c.Logging.applyDefaults()
	return nil
}

func (ch *ChannelInfo) validate() error {
	if ch.Address == "" {
		return fmt.Errorf("channel.address is required")
	}
	if ch.Compression == "" {
		ch.Compression = "zstd"
	}
	switch strings.ToLower(ch.Compression) {
	case "none", "lz4", "zstd", "gzip":
	default:
		return fmt.Errorf("channel.compression must be none, lz4, zstd or gzip, got %q", ch.Compression)
	}
	if ch.Throttle == "" {
		ch.Throttle = "0"
	}
	throttle, err := ParseByteSize(ch.Throttle)
	if err != nil {
		return fmt.Errorf("channel.throttle: %w", err)
	}
	ch.ThrottleRaw = throttle

	if ch.QueueSize == "" {
		ch.QueueSize = "4mb"
	}
	queue, err := ParseByteSize(ch.QueueSize)
	if err != nil {
		return fmt.Errorf("channel.queue_size: %w", err)
	}
	if queue < 64*1024 {
		return fmt.Errorf("channel.queue_size must be at least 64kb, got %s", ch.QueueSize)
	}
	ch.QueueRaw = queue

	if ch.Keepalive < 0 {
		return fmt.Errorf("channel.keepalive must be non-negative")
	}
	if ch.Keepalive == 0 {
		ch.Keepalive = 30 * time.Second
	}
	if ch.TLS.Enabled() && (ch.TLS.Cert == "" || ch.TLS.Key == "") {
		return fmt.Errorf("channel.tls.cert and channel.tls.key are required when ca_cert is set")
	}
	return nil
}

func (s *StatsInfo) applyDefaults() {
	if s.Interval <= 0 {
		s.Interval = time.Minute
	}
}

func (l *LoggingInfo) applyDefaults() {
	if l.Level == "" {
		l.Level = "info"
	}
	if l.Format == "" {
		l.Format = "json"
	}
}

// ParseByteSize converte strings human-readable como "256mb", "1gb" para bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	// Ordenado do sufixo mais longo para o mais curto
	// para evitar que "mb" matche como "b"
	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	// Tenta interpretar como número puro (bytes)
	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
