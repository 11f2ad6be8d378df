package server

import (
	"encoding/json"
	"log"
	"net/http"
	"slices"
	"time"

	"github.com/pion/webrtc/v4"

	v2xinterceptor "github.com/thesyncim/v2x/pkg/v2x/interceptor"
)

// peer is one connected on-board unit relaying broadcasts it heard.
type peer struct {
	pc      *webrtc.PeerConnection
	reports []v2xinterceptor.PERReport
	updated time.Time
}

// StreamPER is the JSON form of one transmitter's PER.
type StreamPER struct {
	SSRC         uint32 `json:"ssrc"`
	PER          int    `json:"per"`
	LastMsgCount uint8  `json:"last_msg_count"`
	Received     uint64 `json:"received"`
}

// PeerPER is the JSON form of the latest report of one peer.
type PeerPER struct {
	ID      uint64      `json:"id"`
	Updated time.Time   `json:"updated"`
	Streams []StreamPER `json:"streams"`
}

// HandleOffer handles WebRTC offer requests from a relaying unit.
// It creates a peer connection with the PER interceptor and returns an answer.
func (s *Server) HandleOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Parse incoming offer
	var offer webrtc.SessionDescription
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil {
		log.Printf("Failed to decode offer: %v", err)
		http.Error(w, "Invalid offer", http.StatusBadRequest)
		return
	}

	s.peersMu.Lock()
	s.nextID++
	id := s.nextID
	s.peersMu.Unlock()

	opts := []v2xinterceptor.FactoryOption{
		v2xinterceptor.WithFactoryReportInterval(s.cfg.ReportInterval),
		v2xinterceptor.WithFactorySubInterval(s.cfg.SubInterval),
		v2xinterceptor.WithFactoryOnReport(func(reports []v2xinterceptor.PERReport) {
			s.storeReports(id, reports)
		}),
	}
	if s.cfg.LoggerFactory != nil {
		opts = append(opts, v2xinterceptor.WithFactoryLoggerFactory(s.cfg.LoggerFactory))
	}

	// The msg-count extension MUST be registered before creating the
	// PeerConnection so it's included in SDP negotiation.
	api, err := v2xinterceptor.NewAPI(opts...)
	if err != nil {
		log.Printf("Failed to create WebRTC API: %v", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	peerConnection, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		log.Printf("Failed to create peer connection: %v", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	// Listed before the state callback exists; onPeerState removes it.
	s.addPeer(id, peerConnection)

	// Log when we receive a relayed stream
	peerConnection.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Printf("Peer %d: relayed stream codec=%s, ssrc=%d", id, track.Codec().MimeType, track.SSRC())

		for _, ext := range receiver.GetParameters().HeaderExtensions {
			if ext.URI == v2xinterceptor.MsgCountURI {
				log.Printf("Peer %d: msg-count extension ID=%d", id, ext.ID)
			}
		}

		// Read packets to keep the stream alive; the interceptor sees each one.
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := track.Read(buf); err != nil {
					log.Printf("Peer %d: track read ended: %v", id, err)
					return
				}
			}
		}()
	})

	peerConnection.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.onPeerState(id, peerConnection, state)
	})

	if err := peerConnection.SetRemoteDescription(offer); err != nil {
		log.Printf("Failed to set remote description: %v", err)
		s.dropPeer(id, peerConnection)
		http.Error(w, "Invalid offer", http.StatusBadRequest)
		return
	}

	answer, err := peerConnection.CreateAnswer(nil)
	if err != nil {
		log.Printf("Failed to create answer: %v", err)
		s.dropPeer(id, peerConnection)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	if err := peerConnection.SetLocalDescription(answer); err != nil {
		log.Printf("Failed to set local description: %v", err)
		s.dropPeer(id, peerConnection)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	// Wait for ICE gathering to complete
	<-webrtc.GatheringCompletePromise(peerConnection)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(peerConnection.LocalDescription()); err != nil {
		log.Printf("Failed to write answer: %v", err)
	}
}

// HandlePER returns the latest PER report of every connected peer.
func (s *Server) HandlePER(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Snapshot()); err != nil {
		log.Printf("Failed to write PER snapshot: %v", err)
	}
}

// Snapshot returns the latest report of every peer, ordered by peer ID.
func (s *Server) Snapshot() []PeerPER {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()

	out := make([]PeerPER, 0, len(s.peers))
	for id, p := range s.peers {
		pp := PeerPER{ID: id, Updated: p.updated, Streams: make([]StreamPER, 0, len(p.reports))}
		for _, r := range p.reports {
			pp.Streams = append(pp.Streams, StreamPER{
				SSRC:         r.SSRC,
				PER:          int(r.PER),
				LastMsgCount: uint8(r.LastMsgCount),
				Received:     r.Received,
			})
		}
		out = append(out, pp)
	}
	slices.SortFunc(out, func(a, b PeerPER) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// storeReports keeps the latest reports of a peer. Reports of removed
// peers are dropped.
func (s *Server) storeReports(id uint64, reports []v2xinterceptor.PERReport) {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()

	p, ok := s.peers[id]
	if !ok {
		return
	}
	p.reports = slices.Clone(reports)
	p.updated = time.Now()
}

func (s *Server) addPeer(id uint64, pc *webrtc.PeerConnection) {
	s.peersMu.Lock()
	s.peers[id] = &peer{pc: pc}
	s.peersMu.Unlock()
}

func (s *Server) removePeer(id uint64) {
	s.peersMu.Lock()
	delete(s.peers, id)
	s.peersMu.Unlock()
}

// dropPeer forgets a peer and closes its connection.
func (s *Server) dropPeer(id uint64, pc *webrtc.PeerConnection) {
	s.removePeer(id)
	_ = pc.Close()
}

// onPeerState drops a peer once its connection fails or closes.
func (s *Server) onPeerState(id uint64, pc *webrtc.PeerConnection, state webrtc.PeerConnectionState) {
	log.Printf("Peer %d: connection state %s", id, state.String())
	if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
		s.dropPeer(id, pc)
	}
}
