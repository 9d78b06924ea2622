package media

import (
	"fmt"
	"strconv"

	"github.com/pion/sdp/v3"
)

// BuildSDP describes the fan-out stream as a send-only audio offer from
// addr:port. Receivers use it to set up a listener.
func BuildSDP(addr string, port int, codec Codec) ([]byte, error) {
	pt := strconv.Itoa(int(codec.PayloadType))
	desc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "callcapture",
			SessionID:      1,
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: addr,
		},
		SessionName: "Captured Call Audio",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: addr},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{}}},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: port},
					Protos:  []string{"RTP", "AVP"},
					Formats: []string{pt},
				},
				Attributes: []sdp.Attribute{
					{Key: "rtpmap", Value: fmt.Sprintf("%s %s/%d", pt, codec.Name, codec.SampleRate)},
					{Key: "ptime", Value: strconv.Itoa(int(codec.SampleDur.Milliseconds()))},
					{Key: "sendonly"},
				},
			},
		},
	}
	return desc.Marshal()
}
