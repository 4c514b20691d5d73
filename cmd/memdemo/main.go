// Command memdemo drives a routed client against an in-memory replica set
// and walks it through a failover, printing the monitor snapshot at each
// step. Useful for eyeballing selection and failover behavior without any
// infrastructure.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	"gopkg.in/mgo.v2/bson"

	"github.com/amirimatin/go-replset/pkg/conn"
	"github.com/amirimatin/go-replset/pkg/conn/memconn"
	"github.com/amirimatin/go-replset/pkg/replset"
	"github.com/amirimatin/go-replset/pkg/router"
)

func main() {
	cluster := memconn.New()
	cluster.AddSet("demo", "a:27017", "b:27017", "c:27017")

	reg := replset.NewRegistry(log.Default())
	defer reg.Shutdown()

	r, err := router.New("demo",
		[]conn.Addr{conn.MustAddr("a:27017")},
		router.Options{Dial: cluster.Dialer(), Registry: reg})
	if err != nil {
		log.Fatal(err)
	}

	dump := func(stage string) {
		fmt.Printf("--- %s\n", stage)
		_ = json.NewEncoder(os.Stdout).Encode(r.Monitor().AppendInfo())
	}

	dump("initial discovery from one seed")

	if err := r.Insert("demo.events", []bson.M{{"msg": "hello"}}, 0); err != nil {
		log.Fatal(err)
	}
	reply, err := r.Query("demo.events", conn.Query{Flags: conn.FlagSlaveOk})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("slaveOk read served by: %v\n", reply.Docs[0]["served_by"])

	// kill the primary and let the next write fail over
	cluster.Down("a:27017")
	cluster.SetPrimary("b:27017")
	r.Monitor().NotifyFailure(conn.MustAddr("a:27017"))

	if err := r.Insert("demo.events", []bson.M{{"msg": "after failover"}}, 0); err != nil {
		log.Fatal(err)
	}
	dump("after failover to b:27017")
}
