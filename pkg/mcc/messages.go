package mcc

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/arzzra/plumber/pkg/pipeline"
	"github.com/pion/sdp/v3"
)

const (
	headerOperation = "X-Plumber-Op"
	opCreate        = "create"
	opRelease       = "release"

	contentTypeSDP = "application/sdp"
	payloadType    = "96"
)

// streamDescription описание одного потока в теле запроса
type streamDescription struct {
	MediaType pipeline.MediaType
	ChannelID uint16
	Host      string
	Port      int
}

func addressType(host string) string {
	if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
		return "IP6"
	}
	return "IP4"
}

// marshal кодирует описание в SDP с единственной медиа секцией
func (d streamDescription) marshal() ([]byte, error) {
	now := uint64(time.Now().Unix())
	addrType := addressType(d.Host)

	sd := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      now,
			SessionVersion: now,
			NetworkType:    "IN",
			AddressType:    addrType,
			UnicastAddress: d.Host,
		},
		SessionName: "plumber",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addrType,
			Address:     &sdp.Address{Address: d.Host},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{}}},
		MediaDescriptions: []*sdp.MediaDescription{{
			MediaName: sdp.MediaName{
				Media:   d.MediaType.String(),
				Port:    sdp.RangedPort{Value: d.Port},
				Protos:  []string{"RTP", "AVP"},
				Formats: []string{payloadType},
			},
			Attributes: []sdp.Attribute{
				sdp.NewAttribute("mid", strconv.Itoa(int(d.ChannelID))),
			},
		}},
	}
	return sd.Marshal()
}

// parseStreamDescription разбирает SDP тело запроса или ответа
func parseStreamDescription(body []byte) (streamDescription, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(body); err != nil {
		return streamDescription{}, fmt.Errorf("ошибка разбора SDP: %w", err)
	}
	if len(sd.MediaDescriptions) != 1 {
		return streamDescription{}, fmt.Errorf("ожидалась одна медиа секция, получено %d", len(sd.MediaDescriptions))
	}
	md := sd.MediaDescriptions[0]

	mt, err := pipeline.ParseMediaType(md.MediaName.Media)
	if err != nil {
		return streamDescription{}, err
	}

	desc := streamDescription{MediaType: mt, Port: md.MediaName.Port.Value}
	if mid, ok := md.Attribute("mid"); ok {
		id, err := strconv.ParseUint(mid, 10, 16)
		if err != nil {
			return streamDescription{}, fmt.Errorf("неверный идентификатор канала %q: %w", mid, err)
		}
		desc.ChannelID = uint16(id)
	}

	switch {
	case md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil:
		desc.Host = md.ConnectionInformation.Address.Address
	case sd.ConnectionInformation != nil && sd.ConnectionInformation.Address != nil:
		desc.Host = sd.ConnectionInformation.Address.Address
	}
	return desc, nil
}
