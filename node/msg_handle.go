package node

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gitzhang10/blockrelay/conn"
	"github.com/gitzhang10/blockrelay/sign"
	"github.com/gitzhang10/blockrelay/storage"
	"github.com/gitzhang10/blockrelay/transport"
)

// HandleMsgLoop handles inbound frames until ctx is done.
func (n *Node) HandleMsgLoop(ctx context.Context) {
	msgCh := n.trans.Frames()
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-msgCh:
			n.handleFrame(ctx, frame)
		}
	}
}

func (n *Node) handleFrame(ctx context.Context, frame conn.Frame) {
	switch msgAsserted := frame.Msg.(type) {
	case transport.PacketMsg:
		if err := n.endpoint.HandlePacket(&msgAsserted, frame.Sig); err != nil {
			n.metrics.frames.WithLabelValues("packet", "rejected").Inc()
			n.logger.Error("fail to accept the packet", "src", msgAsserted.SrcEID, "nonce", msgAsserted.Nonce,
				"error", err)
			return
		}
		n.metrics.frames.WithLabelValues("packet", "accepted").Inc()
		if err := n.deliver(ctx); err != nil {
			n.logger.Warn("packets stay queued", "pending", n.endpoint.Pending(), "error", err)
		}
	case Attestation:
		if !n.verifySigED25519(msgAsserted.Sender, &msgAsserted, frame.Sig) {
			n.metrics.frames.WithLabelValues("attestation", "rejected").Inc()
			n.logger.Error("fail to verify the attestation's signature", "number", msgAsserted.Number,
				"sender", msgAsserted.Sender)
			return
		}
		n.metrics.frames.WithLabelValues("attestation", "accepted").Inc()
		n.handleAttestation(&msgAsserted)
	default:
		n.logger.Warn("unexpected frame", "tag", frame.Tag)
	}
}

func (n *Node) verifySigED25519(peer string, a *Attestation, sig []byte) bool {
	pubKey, ok := n.publicKeyMap[peer]
	if !ok {
		n.logger.Error("node is unknown", "node", peer)
		return false
	}
	valid, err := sign.VerifySignEd25519(pubKey, a.digest(), sig)
	if err != nil {
		n.logger.Error("fail to verify the ED25519 signature", "error", err)
		return false
	}
	return valid
}

// onConfirm runs after the local oracle confirms a block.
func (n *Node) onConfirm(number uint64, hash common.Hash) {
	go n.broadcastAttestation(number, hash)
}

func (n *Node) broadcastAttestation(number uint64, hash common.Hash) {
	partialSig, err := sign.SignTSPartial(n.tsPrivateKey, blockDigest(number, hash))
	if err != nil {
		n.logger.Error("fail to sign the partial", "number", number, "error", err)
		return
	}
	a := Attestation{Sender: n.name, Number: number, Hash: hash.Bytes(), PartialSig: partialSig}
	sig := sign.SignEd25519(n.privateKey, a.digest())
	if err := n.broadcast(AttestationTag, &a, sig); err != nil {
		n.logger.Warn("attestation not delivered to every node", "number", number, "error", err)
	}
	n.metrics.attestations.WithLabelValues("sent").Inc()
	n.logger.Debug("attestation broadcast", "number", number, "hash", hash.Hex())
}

func (n *Node) handleAttestation(a *Attestation) {
	if len(a.Hash) != common.HashLength {
		n.logger.Error("attestation hash is malformed", "sender", a.Sender, "number", a.Number)
		return
	}
	hash := common.BytesToHash(a.Hash)
	msg := blockDigest(a.Number, hash)
	if err := sign.VerifyTSPartial(n.tsPublicKey, msg, a.PartialSig); err != nil {
		n.logger.Error("fail to verify the partial signature", "sender", a.Sender, "number", a.Number, "error", err)
		return
	}
	n.metrics.attestations.WithLabelValues("accepted").Inc()

	n.lock.Lock()
	defer n.lock.Unlock()
	if certified, ok := n.certified[a.Number]; ok {
		if certified != hash {
			n.logger.Warn("attestation conflicts with the certificate", "sender", a.Sender, "number", a.Number,
				"certified", certified.Hex(), "attested", hash.Hex())
		}
		return
	}
	key := attestKey{number: a.Number, hash: hash}
	if n.partials[key] == nil {
		n.partials[key] = make(map[string][]byte)
	}
	n.partials[key][a.Sender] = a.PartialSig
	if len(n.partials[key]) < n.quorumNum {
		return
	}

	partials := make([][]byte, 0, len(n.partials[key]))
	for _, p := range n.partials[key] {
		partials = append(partials, p)
	}
	intact, err := sign.AssembleIntactTSPartial(partials, n.tsPublicKey, msg, n.quorumNum, n.nodeNum)
	if err != nil {
		n.logger.Error("fail to assemble the certificate", "number", a.Number, "error", err)
		return
	}
	if err := sign.VerifyTS(n.tsPublicKey, msg, intact); err != nil {
		n.logger.Error("fail to verify the certificate", "number", a.Number, "error", err)
		return
	}
	batch := n.store.NewBatch()
	batch.PutObject(certificateTable, storage.Uint64Key(a.Number), certificateRecord{Hash: hash.Bytes(), Signature: intact})
	if err := batch.Commit(); err != nil {
		n.logger.Error("fail to store the certificate", "number", a.Number, "error", err)
		return
	}
	n.certified[a.Number] = hash
	for k := range n.partials {
		if k.number == a.Number {
			delete(n.partials, k)
		}
	}
	n.metrics.certificates.Inc()
	n.logger.Info("block certified", "number", a.Number, "hash", hash.Hex(), "partials", len(partials))
}
