package node

import (
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gitzhang10/blockrelay/conn"
)

// StartP2PListen starts the node to listen for P2P connection.
func (n *Node) StartP2PListen() error {
	trans, err := conn.NewTCPTransport(":"+strconv.Itoa(n.clusterPort[n.name]), &conn.NetworkTransportConfig{
		MaxPool: n.maxPool,
		Types:   reflectedTypesMap,
		Logger:  n.logger.Named("conn"),
		Timeout: 30 * time.Second,
	})
	if err != nil {
		return err
	}
	n.lock.Lock()
	n.trans = trans
	n.lock.Unlock()
	return nil
}

// EstablishP2PConns establishes P2P connections with other nodes.
func (n *Node) EstablishP2PConns() error {
	if n.trans == nil {
		return errors.New("networkTransport has not been created")
	}
	for name := range n.clusterAddr {
		addrWithPort := n.addrWithPort(name)
		connect, err := n.trans.GetConn(addrWithPort)
		if err != nil {
			return err
		}
		if err = n.trans.ReturnConn(connect); err != nil {
			return err
		}
		n.logger.Debug("connection has been established", "sender", n.name, "receiver", addrWithPort)
	}
	return nil
}

// StartMetrics serves the node's registry on /metrics when a metrics address is configured.
func (n *Node) StartMetrics() {
	if n.metricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(n.registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: n.metricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	n.lock.Lock()
	n.server = server
	n.lock.Unlock()
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			n.logger.Error("metrics server stopped", "addr", n.metricsAddr, "error", err)
		}
	}()
}

func (n *Node) addrWithPort(name string) string {
	return n.clusterAddr[name] + ":" + strconv.Itoa(n.clusterPort[name])
}

// send message to all nodes
func (n *Node) broadcast(msgType uint8, msg interface{}, sig []byte) error {
	var firstErr error
	for name := range n.clusterAddr {
		if err := n.trans.Send(n.addrWithPort(name), msgType, msg, sig); err != nil {
			n.logger.Warn("broadcast failed", "receiver", name, "tag", msgType, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
