package signaling

import (
	"encoding/json"
	"errors"
	"io"

	"github.com/pion/webrtc/v3"

	"github.com/skillswap/meetcore/internal/core"
)

const jsonRpcVersion = "2.0"

type Method string

const (
	SDPOfferMethod     Method = "offer"
	SDPAnswerMethod    Method = "answer"
	ICECandidateMethod Method = "ice_candidate"
	ReadyMethod        Method = "ready"
)

var (
	ErrUnknownRpcType = errors.New("unknown RPC type")
)

// Rpc is one signaling message: offer, answer or ICE candidate. Every
// message carries the sender's identity so receivers can suppress
// their own echo.
type Rpc interface {
	GetMethod() Method
	GetSender() core.ParticipantID
	ToJSON() ([]byte, error)
}

type jsonRpcHead struct {
	Version string `json:"jsonrpc"`
	Method  Method `json:"method"`
}

type jsonRpc struct {
	jsonRpcHead
	Params map[string]interface{} `json:"params"`
}

func RpcFromReader(reader io.Reader) (Rpc, error) {
	rpc := &jsonRpc{}

	err := json.NewDecoder(reader).Decode(rpc)
	if err != nil {
		return nil, err
	}

	params, err := json.Marshal(rpc.Params)
	if err != nil {
		return nil, err
	}

	switch rpc.Method {
	case SDPOfferMethod, SDPAnswerMethod:
		p := SDPParams{}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}

		return &SDPRpc{
			jsonRpcHead: jsonRpcHead{Version: jsonRpcVersion, Method: rpc.Method},
			Params:      p,
		}, nil
	case ICECandidateMethod:
		p := ICECandidateParams{}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}

		return NewICECandidateRpc(p.ICECandidateInit, p.Sender), nil
	case ReadyMethod:
		p := ReadyParams{}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}

		return NewReadyRpc(p.Sender), nil
	default:
		return nil, ErrUnknownRpcType
	}
}

type SDPParams struct {
	webrtc.SessionDescription
	Sender core.ParticipantID `json:"sender"`
}

// SDP RPC: offers and answers share the shape, only the method differs.
type SDPRpc struct {
	jsonRpcHead
	Params SDPParams `json:"params"`
}

func NewSDPOfferRpc(sdp *webrtc.SessionDescription, sender core.ParticipantID) *SDPRpc {
	return &SDPRpc{
		jsonRpcHead: jsonRpcHead{
			Version: jsonRpcVersion,
			Method:  SDPOfferMethod,
		},
		Params: SDPParams{
			SessionDescription: *sdp,
			Sender:             sender,
		},
	}
}

func NewSDPAnswerRpc(sdp *webrtc.SessionDescription, sender core.ParticipantID) *SDPRpc {
	return &SDPRpc{
		jsonRpcHead: jsonRpcHead{
			Version: jsonRpcVersion,
			Method:  SDPAnswerMethod,
		},
		Params: SDPParams{
			SessionDescription: *sdp,
			Sender:             sender,
		},
	}
}

func (r SDPRpc) GetMethod() Method {
	return r.Method
}

func (r SDPRpc) GetSender() core.ParticipantID {
	return r.Params.Sender
}

func (r SDPRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

type ICECandidateParams struct {
	webrtc.ICECandidateInit
	Sender core.ParticipantID `json:"sender"`
}

// ICE candidate RPC
type ICECandidateRpc struct {
	jsonRpcHead
	Params ICECandidateParams `json:"params"`
}

func NewICECandidateRpc(candidate webrtc.ICECandidateInit, sender core.ParticipantID) *ICECandidateRpc {
	return &ICECandidateRpc{
		jsonRpcHead: jsonRpcHead{
			Version: jsonRpcVersion,
			Method:  ICECandidateMethod,
		},
		Params: ICECandidateParams{
			ICECandidateInit: candidate,
			Sender:           sender,
		},
	}
}

func (r ICECandidateRpc) GetMethod() Method {
	return r.Method
}

func (r ICECandidateRpc) GetSender() core.ParticipantID {
	return r.Params.Sender
}

func (r ICECandidateRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

type ReadyParams struct {
	Sender core.ParticipantID `json:"sender"`
}

// Ready RPC: the answering side announces it is subscribed and waiting
// for the offer.
type ReadyRpc struct {
	jsonRpcHead
	Params ReadyParams `json:"params"`
}

func NewReadyRpc(sender core.ParticipantID) *ReadyRpc {
	return &ReadyRpc{
		jsonRpcHead: jsonRpcHead{
			Version: jsonRpcVersion,
			Method:  ReadyMethod,
		},
		Params: ReadyParams{Sender: sender},
	}
}

func (r ReadyRpc) GetMethod() Method {
	return r.Method
}

func (r ReadyRpc) GetSender() core.ParticipantID {
	return r.Params.Sender
}

func (r ReadyRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}
