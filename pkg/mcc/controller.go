// Package mcc реализует управляющий канал между двумя plumber endpoint.
//
// Канал поднимается поверх SIP по TCP (sipgo). Соединение устанавливается
// запросом OPTIONS, в котором инициатор сообщает свой адрес в Contact.
// Создание и освобождение удаленных принимающих потоков выполняется
// запросами INFO с SDP телом и заголовком X-Plumber-Op.
package mcc

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arzzra/plumber/pkg/pipeline"
	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

const (
	DefaultUserAgent      = "plumber"
	DefaultRequestTimeout = 10 * time.Second

	peerUser = "plumber"
)

// CreateStreamFunc создает локальный принимающий поток по запросу собеседника
// и возвращает занятый порт
type CreateStreamFunc func(ctx context.Context, mt pipeline.MediaType, chanID uint16) (int, error)

// ReleaseStreamFunc освобождает локальный принимающий поток
type ReleaseStreamFunc func(ctx context.Context, mt pipeline.MediaType, chanID uint16) error

// Option опция управляющего канала
type Option func(*Controller)

// WithLogger задает логгер
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithUserAgent задает значение User-Agent
func WithUserAgent(ua string) Option {
	return func(c *Controller) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// WithRequestTimeout ограничивает время ожидания ответа собеседника
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

type peer struct {
	host string
	port int
}

func (p peer) uri() sip.Uri {
	return sip.Uri{Scheme: "sip", User: peerUser, Host: p.host, Port: p.port}
}

// Controller управляющий канал. Создается со счетчиком ссылок 1,
// останавливается при освобождении последней ссылки.
type Controller struct {
	localAddr      string
	localPort      int
	userAgent      string
	requestTimeout time.Duration
	logger         *slog.Logger

	refs atomic.Int32

	mu        sync.RWMutex
	started   bool
	stopped   bool
	listener  net.Listener
	host      string
	port      int
	ua        *sipgo.UserAgent
	server    *sipgo.Server
	client    *sipgo.Client
	serveDone chan struct{}

	peer      *peer
	peerReady chan struct{}

	createFn  CreateStreamFunc
	releaseFn ReleaseStreamFunc
}

// New создает управляющий канал на localAddr:localPort (0 - любой свободный порт)
func New(localAddr string, localPort int, opts ...Option) *Controller {
	c := &Controller{
		localAddr:      localAddr,
		localPort:      localPort,
		userAgent:      DefaultUserAgent,
		requestTimeout: DefaultRequestTimeout,
		logger:         slog.Default(),
		peerReady:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("component", "mcc"))
	c.refs.Store(1)
	return c
}

// Ref добавляет ссылку на канал
func (c *Controller) Ref() *Controller {
	c.refs.Add(1)
	return c
}

// Release освобождает ссылку. Последняя ссылка останавливает канал.
func (c *Controller) Release() {
	n := c.refs.Add(-1)
	switch {
	case n == 0:
		c.Stop()
	case n < 0:
		c.logger.Warn("Освобождение уже освобожденного канала")
	}
}

// SetCreateStreamCallback задает обработчик запросов на создание потока
func (c *Controller) SetCreateStreamCallback(fn CreateStreamFunc) {
	c.mu.Lock()
	c.createFn = fn
	c.mu.Unlock()
}

// SetReleaseStreamCallback задает обработчик запросов на освобождение потока
func (c *Controller) SetReleaseStreamCallback(fn ReleaseStreamFunc) {
	c.mu.Lock()
	c.releaseFn = fn
	c.mu.Unlock()
}

// Start начинает прием соединений. Повторный вызов ничего не делает.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return ErrReleased
	}
	if c.started {
		return nil
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(c.localAddr, strconv.Itoa(c.localPort)))
	if err != nil {
		return fmt.Errorf("ошибка открытия управляющего порта: %w", err)
	}
	tcpAddr := ln.Addr().(*net.TCPAddr)
	host := advertisedHost(tcpAddr.IP)

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(c.userAgent), sipgo.WithUserAgentHostname(host))
	if err != nil {
		ln.Close()
		return fmt.Errorf("ошибка создания UA: %w", err)
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		ln.Close()
		return fmt.Errorf("ошибка создания сервера: %w", err)
	}
	client, err := sipgo.NewClient(ua, sipgo.WithClientHostname(host))
	if err != nil {
		server.Close()
		ua.Close()
		ln.Close()
		return fmt.Errorf("ошибка создания клиента: %w", err)
	}

	server.OnOptions(c.handleOptions)
	server.OnInfo(c.handleInfo)

	c.listener = ln
	c.host = host
	c.port = tcpAddr.Port
	c.ua, c.server, c.client = ua, server, client
	c.serveDone = make(chan struct{})
	c.started = true

	go func(done chan struct{}) {
		defer close(done)
		if err := server.ServeTCP(ln); err != nil {
			c.logger.Debug("Управляющий канал завершил прием", slog.String("error", err.Error()))
		}
	}(c.serveDone)

	c.logger.Info("Управляющий канал запущен",
		slog.String("host", host),
		slog.Int("port", c.port))
	return nil
}

// Stop останавливает канал. Повторный вызов ничего не делает.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	if !c.started {
		c.mu.Unlock()
		return
	}
	client, server, ua, ln, done := c.client, c.server, c.ua, c.listener, c.serveDone
	c.mu.Unlock()

	client.Close()
	server.Close()
	ua.Close()
	ln.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		c.logger.Warn("Прием соединений не завершился вовремя")
	}
	c.logger.Info("Управляющий канал остановлен")
}

// LocalPort фактический управляющий порт, 0 если канал не запущен
func (c *Controller) LocalPort() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.port
}

// LocalHost адрес, который канал сообщает собеседнику
func (c *Controller) LocalHost() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.host
}

// PeerHost адрес собеседника или пустая строка
func (c *Controller) PeerHost() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.peer == nil {
		return ""
	}
	return c.peer.host
}

// WaitPeer ждет появления собеседника
func (c *Controller) WaitPeer(ctx context.Context) error {
	select {
	case <-c.peerReady:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect устанавливает связь с собеседником host:port
func (c *Controller) Connect(ctx context.Context, host string, port int) error {
	client, local, err := c.requestContext()
	if err != nil {
		return err
	}

	p := peer{host: host, port: port}
	req := c.newRequest(sip.OPTIONS, p, local, "")

	res, err := c.do(ctx, client, req)
	if err != nil {
		return fmt.Errorf("ошибка соединения с %s: %w", net.JoinHostPort(host, strconv.Itoa(port)), err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return &RemoteError{StatusCode: res.StatusCode, Reason: res.Reason}
	}

	c.setPeer(p)
	c.logger.Info("Соединение с собеседником установлено",
		slog.String("host", host),
		slog.Int("port", port))
	return nil
}

// CreateMediaStream просит собеседника создать принимающий поток и
// возвращает порт, на котором он слушает
func (c *Controller) CreateMediaStream(ctx context.Context, mt pipeline.MediaType, chanID uint16) (int, error) {
	client, local, err := c.requestContext()
	if err != nil {
		return 0, err
	}
	p, err := c.currentPeer()
	if err != nil {
		return 0, err
	}

	offer, err := streamDescription{MediaType: mt, ChannelID: chanID, Host: local.host}.marshal()
	if err != nil {
		return 0, fmt.Errorf("ошибка формирования SDP: %w", err)
	}
	req := c.newRequest(sip.INFO, p, local, opCreate)
	req.AppendHeader(sip.NewHeader("Content-Type", contentTypeSDP))
	req.SetBody(offer)

	res, err := c.do(ctx, client, req)
	if err != nil {
		return 0, err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return 0, &RemoteError{StatusCode: res.StatusCode, Reason: res.Reason}
	}

	answer, err := parseStreamDescription(res.Body())
	if err != nil {
		return 0, err
	}
	if answer.Port <= 0 {
		return 0, fmt.Errorf("собеседник вернул недопустимый порт %d", answer.Port)
	}

	c.logger.Debug("Удаленный поток создан",
		slog.String("media", mt.String()),
		slog.Int("port", answer.Port))
	return answer.Port, nil
}

// ReleaseMediaStream просит собеседника освободить принимающий поток
func (c *Controller) ReleaseMediaStream(ctx context.Context, mt pipeline.MediaType, chanID uint16) error {
	client, local, err := c.requestContext()
	if err != nil {
		return err
	}
	p, err := c.currentPeer()
	if err != nil {
		return err
	}

	body, err := streamDescription{MediaType: mt, ChannelID: chanID, Host: local.host}.marshal()
	if err != nil {
		return fmt.Errorf("ошибка формирования SDP: %w", err)
	}
	req := c.newRequest(sip.INFO, p, local, opRelease)
	req.AppendHeader(sip.NewHeader("Content-Type", contentTypeSDP))
	req.SetBody(body)

	res, err := c.do(ctx, client, req)
	if err != nil {
		return err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return &RemoteError{StatusCode: res.StatusCode, Reason: res.Reason}
	}
	return nil
}

func (c *Controller) requestContext() (*sipgo.Client, peer, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stopped {
		return nil, peer{}, ErrReleased
	}
	if !c.started {
		return nil, peer{}, ErrNotStarted
	}
	return c.client, peer{host: c.host, port: c.port}, nil
}

func (c *Controller) currentPeer() (peer, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.peer == nil {
		return peer{}, ErrNotConnected
	}
	return *c.peer, nil
}

func (c *Controller) setPeer(p peer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	first := c.peer == nil
	c.peer = &p
	if first {
		close(c.peerReady)
	}
}

func (c *Controller) newRequest(method sip.RequestMethod, to, local peer, op string) *sip.Request {
	req := sip.NewRequest(method, to.uri())
	req.SetTransport("TCP")
	contact := local.uri()
	req.AppendHeader(sip.NewHeader("Contact", fmt.Sprintf("<%s>", contact.String())))
	if op != "" {
		req.AppendHeader(sip.NewHeader(headerOperation, op))
	}
	return req
}

// do отправляет запрос и ждет финальный ответ
func (c *Controller) do(ctx context.Context, client *sipgo.Client, req *sip.Request) (*sip.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	tx, err := client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("ошибка отправки %s: %w", req.Method, err)
	}
	defer tx.Terminate()

	for {
		select {
		case res := <-tx.Responses():
			if res.StatusCode < 200 {
				continue
			}
			return res, nil
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return nil, fmt.Errorf("транзакция %s завершена: %w", req.Method, err)
			}
			return nil, fmt.Errorf("транзакция %s завершена без ответа", req.Method)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Controller) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	if p, ok := peerFromRequest(req); ok {
		c.setPeer(p)
		c.logger.Info("Собеседник подключился",
			slog.String("host", p.host),
			slog.Int("port", p.port))
	}
	c.respond(req, tx, sip.StatusOK, "OK", nil)
}

// peerFromRequest определяет адрес собеседника. Хост берется из адреса
// отправителя, так как Contact может содержать подставной адрес узла,
// слушающего на всех интерфейсах. Порт берется из Contact.
func peerFromRequest(req *sip.Request) (peer, bool) {
	contact := req.Contact()
	if contact == nil {
		return peer{}, false
	}
	p := peer{host: contact.Address.Host, port: contact.Address.Port}
	if host, _, err := net.SplitHostPort(req.Source()); err == nil && host != "" {
		p.host = host
	}
	return p, p.host != ""
}

func (c *Controller) handleInfo(req *sip.Request, tx sip.ServerTransaction) {
	desc, err := parseStreamDescription(req.Body())
	if err != nil {
		c.respond(req, tx, statusBadRequest, reasonFromError(err), nil)
		return
	}

	op := opCreate
	if h := req.GetHeader(headerOperation); h != nil {
		op = strings.ToLower(strings.TrimSpace(h.Value()))
	}

	c.mu.RLock()
	createFn, releaseFn, host := c.createFn, c.releaseFn, c.host
	c.mu.RUnlock()

	ctx := context.Background()
	switch op {
	case opCreate:
		if createFn == nil {
			c.respond(req, tx, statusNotImplemented, ErrNoHandler.Error(), nil)
			return
		}
		port, err := createFn(ctx, desc.MediaType, desc.ChannelID)
		if err != nil {
			c.logger.Warn("Не удалось создать поток по запросу собеседника",
				slog.String("media", desc.MediaType.String()),
				slog.String("error", err.Error()))
			c.respond(req, tx, statusForError(err), reasonFromError(err), nil)
			return
		}
		answer, err := streamDescription{MediaType: desc.MediaType, ChannelID: desc.ChannelID, Host: host, Port: port}.marshal()
		if err != nil {
			c.respond(req, tx, statusServerInternalError, reasonFromError(err), nil)
			return
		}
		c.respond(req, tx, sip.StatusOK, "OK", answer)

	case opRelease:
		if releaseFn != nil {
			if err := releaseFn(ctx, desc.MediaType, desc.ChannelID); err != nil {
				c.respond(req, tx, statusForError(err), reasonFromError(err), nil)
				return
			}
		}
		c.respond(req, tx, sip.StatusOK, "OK", nil)

	default:
		c.respond(req, tx, statusBadRequest, "unknown operation", nil)
	}
}

func (c *Controller) respond(req *sip.Request, tx sip.ServerTransaction, code int, reason string, body []byte) {
	res := sip.NewResponseFromRequest(req, code, reason, body)
	if body != nil {
		res.AppendHeader(sip.NewHeader("Content-Type", contentTypeSDP))
	}
	if err := tx.Respond(res); err != nil {
		c.logger.Debug("Ошибка отправки ответа", slog.String("error", err.Error()))
	}
}

// reasonFromError приводит текст ошибки к однострочной фразе ответа
func reasonFromError(err error) string {
	return strings.Join(strings.Fields(err.Error()), " ")
}

func advertisedHost(ip net.IP) string {
	if ip == nil || ip.IsUnspecified() {
		return "127.0.0.1"
	}
	return ip.String()
}
