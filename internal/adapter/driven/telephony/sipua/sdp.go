package sipua

import (
	"fmt"
	"time"

	"github.com/pion/sdp/v3"
)

const contentTypeSDP = "application/sdp"

// audioFormats are offered in preference order: PCMU, PCMA, telephone-event.
var audioFormats = []string{"0", "8", "101"}

var rtpmaps = map[string]string{
	"0":   "PCMU/8000",
	"8":   "PCMA/8000",
	"96":  "VP8/90000",
	"101": "telephone-event/8000",
}

// mediaDescription is what one side announces for a session.
type mediaDescription struct {
	host      string
	audioPort int
	video     bool
}

// marshal renders d as a session body. Video rides on audioPort+2.
func (d mediaDescription) marshal() ([]byte, error) {
	session := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "yacall",
			SessionID:      uint64(time.Now().UnixNano()),
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: d.host,
		},
		SessionName: "yacall",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: d.host},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{}}},
		MediaDescriptions: []*sdp.MediaDescription{
			media("audio", d.audioPort, audioFormats),
		},
	}
	if d.video {
		session.MediaDescriptions = append(session.MediaDescriptions,
			media("video", d.audioPort+2, []string{"96"}))
	}
	return session.Marshal()
}

func media(kind string, port int, formats []string) *sdp.MediaDescription {
	attrs := make([]sdp.Attribute, 0, len(formats)+3)
	for _, f := range formats {
		if m, ok := rtpmaps[f]; ok {
			attrs = append(attrs, sdp.Attribute{Key: "rtpmap", Value: f + " " + m})
		}
		if f == "101" {
			attrs = append(attrs, sdp.Attribute{Key: "fmtp", Value: "101 0-15"})
		}
	}
	if kind == "audio" {
		attrs = append(attrs, sdp.Attribute{Key: "ptime", Value: "20"})
	}
	attrs = append(attrs, sdp.Attribute{Key: "sendrecv"}, sdp.Attribute{Key: "rtcp-mux"})

	return &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   kind,
			Port:    sdp.RangedPort{Value: port},
			Protos:  []string{"RTP", "AVP"},
			Formats: formats,
		},
		Attributes: attrs,
	}
}

// offersVideo reports whether body carries an enabled video stream. An empty
// body is an audio call with a late offer.
func offersVideo(body []byte) (bool, error) {
	if len(body) == 0 {
		return false, nil
	}
	var session sdp.SessionDescription
	if err := session.Unmarshal(body); err != nil {
		return false, fmt.Errorf("parsing session description: %w", err)
	}
	for _, m := range session.MediaDescriptions {
		if m.MediaName.Media == "video" && m.MediaName.Port.Value != 0 {
			return true, nil
		}
	}
	return false, nil
}
