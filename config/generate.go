package config

import (
	"encoding/hex"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/gitzhang10/blockrelay/sign"
)

// Member is one node of a generated cluster.
type Member struct {
	Name string
	IP   string
	Port int
	EID  uint32
}

// Template holds the cluster-wide settings the per-node files are generated from.
// The first member in name order is the read-enabled node.
type Template struct {
	Members     []Member
	MaxPool     int
	LogLevel    int
	Owner       string
	ReadChannel uint32
	SourceEID   uint32
	View        string
}

// Generate writes one <name>.yaml per member into dir. Every file carries the member's own
// ED25519 private key and threshold share, and the cluster's public keys. The threshold is
// n - n/3. It returns the written paths.
func Generate(dir string, tmpl Template) ([]string, error) {
	n := len(tmpl.Members)
	if n == 0 {
		return nil, errors.New("no members")
	}
	members := append([]Member(nil), tmpl.Members...)
	sort.Slice(members, func(i, j int) bool { return members[i].Name < members[j].Name })

	clusterIPs := make(map[string]string, n)
	clusterPorts := make(map[string]int, n)
	clusterEIDs := make(map[string]string, n)
	pubKeysED25519 := make(map[string]string, n)
	privKeysED25519 := make(map[string]string, n)
	for _, m := range members {
		if _, dup := clusterIPs[m.Name]; dup {
			return nil, errors.Errorf("duplicate member %s", m.Name)
		}
		clusterIPs[m.Name] = m.IP
		clusterPorts[m.Name] = m.Port
		clusterEIDs[m.Name] = strconv.FormatUint(uint64(m.EID), 10)
		privKeyED, pubKeyED := sign.GenED25519Keys()
		pubKeysED25519[m.Name] = hex.EncodeToString(pubKeyED)
		privKeysED25519[m.Name] = hex.EncodeToString(privKeyED)
	}

	numT := n - n/3
	shares, pubPoly := sign.GenTSKeys(numT, n)
	tsPubKeyAsBytes, err := sign.EncodeTSPublicKey(pubPoly)
	if err != nil {
		return nil, errors.Wrap(err, "encode the TSPublicKey")
	}

	paths := make([]string, 0, n)
	for i, m := range members {
		shareAsBytes, err := sign.EncodeTSPartialKey(shares[i])
		if err != nil {
			return nil, errors.Wrap(err, "encode the share")
		}
		viperWrite := viper.New()
		path := filepath.Join(dir, m.Name+".yaml")
		viperWrite.SetConfigFile(path)
		viperWrite.Set("name", m.Name)
		viperWrite.Set("eid", m.EID)
		viperWrite.Set("data_dir", filepath.Join("data", m.Name))
		viperWrite.Set("max_pool", tmpl.MaxPool)
		viperWrite.Set("log_level", tmpl.LogLevel)
		viperWrite.Set("quorum", numT)
		viperWrite.Set("owner", tmpl.Owner)
		viperWrite.Set("privkeyed", privKeysED25519[m.Name])
		viperWrite.Set("tsshare", hex.EncodeToString(shareAsBytes))
		viperWrite.Set("tspubkey", hex.EncodeToString(tsPubKeyAsBytes))
		viperWrite.Set("cluster_pubkeyed", pubKeysED25519)
		viperWrite.Set("cluster_ips", clusterIPs)
		viperWrite.Set("peers_p2p_port", clusterPorts)
		viperWrite.Set("cluster_eids", clusterEIDs)
		viperWrite.Set("metrics_addr", "")
		if i == 0 && tmpl.SourceEID != 0 {
			viperWrite.Set("read.enabled", true)
			viperWrite.Set("read.channel", tmpl.ReadChannel)
			viperWrite.Set("read.source_eid", tmpl.SourceEID)
			viperWrite.Set("read.view", tmpl.View)
		}
		if err := viperWrite.WriteConfig(); err != nil {
			return nil, errors.Wrapf(err, "write %s", path)
		}
		paths = append(paths, path)
	}
	return paths, nil
}
