package plumber

import (
	"context"
	"log/slog"
	"time"

	"github.com/arzzra/plumber/pkg/mcc"
	"github.com/arzzra/plumber/pkg/pipeline"
)

// ChannelController управляющий канал между двумя endpoint
type ChannelController interface {
	SetCreateStreamCallback(fn mcc.CreateStreamFunc)
	SetReleaseStreamCallback(fn mcc.ReleaseStreamFunc)
	Start() error
	Connect(ctx context.Context, host string, port int) error
	CreateMediaStream(ctx context.Context, mt pipeline.MediaType, chanID uint16) (int, error)
	ReleaseMediaStream(ctx context.Context, mt pipeline.MediaType, chanID uint16) error
	WaitPeer(ctx context.Context) error
	PeerHost() string
	LocalPort() int
	Stop()
	Release()
}

// ControllerFactory создает управляющий канал на localAddr:localPort
type ControllerFactory func(localAddr string, localPort int) ChannelController

var _ ChannelController = (*mcc.Controller)(nil)

func defaultControllerFactory(logger *slog.Logger, requestTimeout time.Duration) ControllerFactory {
	return func(localAddr string, localPort int) ChannelController {
		return mcc.New(localAddr, localPort,
			mcc.WithLogger(logger),
			mcc.WithRequestTimeout(requestTimeout))
	}
}
