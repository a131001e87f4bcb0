/*
Package main in the directory config_gen implements a tool to read configuration from a template,
and generate customized configuration files for each node.
The generated configuration file particularly contains the public/private keys for TS and ED25519.
*/
package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/gitzhang10/blockrelay/config"
)

func main() {
	viperRead := viper.New()
	// for environment variables
	viperRead.SetEnvPrefix("")
	viperRead.AutomaticEnv()
	replacer := strings.NewReplacer(".", "_")
	viperRead.SetEnvKeyReplacer(replacer)
	viperRead.SetConfigName("config_template")
	viperRead.AddConfigPath("./")
	if err := viperRead.ReadInConfig(); err != nil {
		panic(err)
	}

	ips := viperRead.GetStringMapString("IPs")
	ports := viperRead.GetStringMap("peers_p2p_port")
	eids := viperRead.GetStringMap("eids")
	if len(ips) != len(ports) || len(ips) != len(eids) {
		panic("peers_p2p_port or eids does not match with IPs")
	}
	tmpl := config.Template{
		MaxPool:     viperRead.GetInt("max_pool"),
		LogLevel:    viperRead.GetInt("log_level"),
		Owner:       viperRead.GetString("owner"),
		ReadChannel: viperRead.GetUint32("read.channel"),
		SourceEID:   viperRead.GetUint32("read.source_eid"),
		View:        viperRead.GetString("read.view"),
	}
	for name, ip := range ips {
		port, ok := ports[name].(int)
		if !ok {
			panic("p2p_listen_port contains a non-int value")
		}
		eid, err := strconv.ParseUint(fmt.Sprint(eids[name]), 10, 32)
		if err != nil {
			panic(err)
		}
		tmpl.Members = append(tmpl.Members, config.Member{Name: name, IP: ip, Port: port, EID: uint32(eid)})
	}

	paths, err := config.Generate("./", tmpl)
	if err != nil {
		panic(err)
	}
	for _, p := range paths {
		fmt.Println("wrote", p)
	}
}
