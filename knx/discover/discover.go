// Package discover implements KNXnet/IP server discovery: multicast search,
// unicast search, and description request/response, over both UDP and
// stream transports (spec §4.2).
//
// Grounded directly on other_examples/aef2e975_LB-00-knx-go__knx-describe.go.go's
// DescribeTunnel/DescribeTunnelExt pair: open a socket, send the request,
// collect responses until the caller's timeout or cancellation fires, and
// hand back the decoded DIB set rather than raw bytes.
package discover

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/eibnet/knx/knx/knxnet"
)

// Result is one discovered server: its control endpoint and the
// description information blocks it advertised.
type Result struct {
	From    net.Addr
	Control knxnet.HPAI
	DIBs    []knxnet.DIB
}

// Search broadcasts a SEARCH_REQ to the KNXnet/IP discovery multicast group
// and collects SEARCH_RES replies until ctx is done; a ctx without a
// deadline is bounded by DefaultSearchTimeout.
func Search(ctx context.Context) ([]Result, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultSearchTimeout)
		defer cancel()
	}
	return SearchWithParams(ctx, nil)
}

// SearchExt broadcasts an extended SEARCH_REQ (0x020B) with the given
// selection parameters (e.g. SRPSelectByProgrammingMode) and collects
// SEARCH_RES_EXT replies until ctx is done.
func SearchExt(ctx context.Context, params []knxnet.SRPBlock) ([]Result, error) {
	sock, err := knxnet.ListenUDP(":0")
	if err != nil {
		return nil, errors.Wrap(err, "discover: listen udp")
	}
	defer sock.Close()

	group := net.ParseIP(knxnet.DefaultMulticastAddr)
	replyHPAI, err := localHPAI(sock)
	if err != nil {
		return nil, err
	}

	req := knxnet.SearchReqExtBody{Discovery: replyHPAI, Params: params}
	if err := sock.SendTo(req, &net.UDPAddr{IP: group, Port: knxnet.DefaultPort}); err != nil {
		return nil, errors.Wrap(err, "discover: send extended search request")
	}

	return collect(ctx, sock, func(body knxnet.Body, from net.Addr) (Result, bool) {
		res, ok := body.(knxnet.SearchResExtBody)
		if !ok {
			return Result{}, false
		}
		return Result{From: from, Control: res.Control, DIBs: res.DIBs}, true
	})
}

// SearchWithParams is the plain (non-extended) SEARCH_REQ form; params is
// retained for symmetry with SearchExt and is currently unused on the wire.
func SearchWithParams(ctx context.Context, params []knxnet.SRPBlock) ([]Result, error) {
	sock, err := knxnet.ListenUDP(":0")
	if err != nil {
		return nil, errors.Wrap(err, "discover: listen udp")
	}
	defer sock.Close()

	group := net.ParseIP(knxnet.DefaultMulticastAddr)
	replyHPAI, err := localHPAI(sock)
	if err != nil {
		return nil, err
	}

	req := knxnet.SearchReqBody{Discovery: replyHPAI}
	if err := sock.SendTo(req, &net.UDPAddr{IP: group, Port: knxnet.DefaultPort}); err != nil {
		return nil, errors.Wrap(err, "discover: send search request")
	}

	return collect(ctx, sock, func(body knxnet.Body, from net.Addr) (Result, bool) {
		res, ok := body.(knxnet.SearchResBody)
		if !ok {
			return Result{}, false
		}
		return Result{From: from, Control: res.Control, DIBs: res.DIBs}, true
	})
}

// SearchUnicast sends a SEARCH_REQ directly to one server address instead
// of the multicast group, for servers that only respond to unicast search
// (spec §4.2's unicast discovery variant).
func SearchUnicast(ctx context.Context, serverAddr string) (Result, error) {
	sock, err := knxnet.DialTunnelUDP(serverAddr)
	if err != nil {
		return Result{}, errors.Wrap(err, "discover: dial udp")
	}
	defer sock.Close()

	replyHPAI := knxnet.Udp(net.IPv4zero, 0)
	if err := sock.Send(knxnet.SearchReqBody{Discovery: replyHPAI}); err != nil {
		return Result{}, errors.Wrap(err, "discover: send unicast search request")
	}

	results, err := collect(ctx, sock, func(body knxnet.Body, from net.Addr) (Result, bool) {
		res, ok := body.(knxnet.SearchResBody)
		if !ok {
			return Result{}, false
		}
		return Result{From: from, Control: res.Control, DIBs: res.DIBs}, true
	})
	if err != nil {
		return Result{}, err
	}
	if len(results) == 0 {
		return Result{}, errors.New("discover: no response to unicast search")
	}
	return results[0], nil
}

// Description sends a DESCRIPTION_REQ to a specific control endpoint and
// returns its description information blocks (spec §4.2).
func Description(ctx context.Context, serverAddr string) ([]knxnet.DIB, error) {
	sock, err := knxnet.DialTunnelUDP(serverAddr)
	if err != nil {
		return nil, errors.Wrap(err, "discover: dial udp")
	}
	defer sock.Close()

	if err := sock.Send(knxnet.DescriptionReqBody{Control: knxnet.Udp(net.IPv4zero, 0)}); err != nil {
		return nil, errors.Wrap(err, "discover: send description request")
	}

	select {
	case in, ok := <-sock.Inbound():
		if !ok {
			return nil, errors.New("discover: socket closed before description response")
		}
		res, ok := in.Body.(knxnet.DescriptionResBody)
		if !ok {
			return nil, errors.New("discover: unexpected reply to description request")
		}
		return res.DIBs, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// DescriptionStream performs the same exchange as Description but over a
// TCP/stream-mode socket, matching a server that only accepts description
// requests on its control stream connection.
func DescriptionStream(ctx context.Context, network, address string) ([]knxnet.DIB, error) {
	sock, err := knxnet.DialStream(network, address)
	if err != nil {
		return nil, errors.Wrap(err, "discover: dial stream")
	}
	defer sock.Close()

	if err := sock.Send(knxnet.DescriptionReqBody{Control: knxnet.Tcp()}); err != nil {
		return nil, errors.Wrap(err, "discover: send description request")
	}

	select {
	case in, ok := <-sock.Inbound():
		if !ok {
			return nil, errors.New("discover: stream closed before description response")
		}
		res, ok := in.Body.(knxnet.DescriptionResBody)
		if !ok {
			return nil, errors.New("discover: unexpected reply to description request")
		}
		return res.DIBs, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type inbound interface {
	Inbound() <-chan knxnet.Incoming
}

func collect(ctx context.Context, sock inbound, match func(knxnet.Body, net.Addr) (Result, bool)) ([]Result, error) {
	var results []Result
	seen := make(map[string]bool)
	for {
		select {
		case in, ok := <-sock.Inbound():
			if !ok {
				return results, nil
			}
			r, matched := match(in.Body, in.From)
			if !matched {
				continue
			}
			key := r.From.String()
			if seen[key] {
				continue
			}
			seen[key] = true
			results = append(results, r)
		case <-ctx.Done():
			return results, nil
		}
	}
}

func localHPAI(sock *knxnet.Socket) (knxnet.HPAI, error) {
	addr, ok := sock.LocalAddr().(*net.UDPAddr)
	if !ok {
		return knxnet.HPAI{}, errors.New("discover: socket has no UDP local address")
	}
	ip := addr.IP
	if ip == nil || ip.IsUnspecified() {
		ip = net.IPv4zero
	}
	return knxnet.Udp(ip, uint16(addr.Port)), nil
}

// DefaultSearchTimeout is the collection window Search uses when the caller
// hasn't already bounded ctx, matching the default discovery timeout of
// most KNXnet/IP client implementations.
const DefaultSearchTimeout = 3 * time.Second
