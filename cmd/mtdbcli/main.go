package main

import (
	"fmt"
	"time"

	mtdb "github.com/tendrl-inc-labs/microtetherdb"
)

func main() {
	store, err := mtdb.Open(mtdb.WithInMemory(true))
	if err != nil {
		panic(err)
	}
	defer store.Close()

	key, err := store.PutKey("u1", mtdb.Document{
		"name": "John",
		"age":  30,
	}, 0, "user", "active")
	if err != nil {
		panic(err)
	}
	fmt.Printf("put key=%q\n", key)

	doc, ok, err := store.Get(key)
	if err != nil {
		panic(err)
	}
	fmt.Printf("get key=%q found=%v doc=%v\n", key, ok, doc)

	for i, age := range []int{30, 25, 35} {
		if _, err := store.Put(mtdb.Document{"age": age}, 0); err != nil {
			panic(err)
		}
		_ = i
	}

	results, err := store.Query(mtdb.Document{
		"age": mtdb.Document{"$gt": 25},
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("query age>25: %d results\n", len(results))

	if _, err := store.Put(mtdb.Document{"x": 1}, time.Second); err != nil {
		panic(err)
	}
	time.Sleep(1500 * time.Millisecond)
	swept, err := store.Cleanup()
	if err != nil {
		panic(err)
	}
	fmt.Printf("swept %d expired records\n", swept)
}
