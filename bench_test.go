// Copyright (C) 2026 The Buxtehude Authors. All Rights Reserved.

package buxtehude_test

import (
	"testing"

	"github.com/buxtehude/buxtehude"
)

func BenchmarkRoundTrip(b *testing.B) {
	srv := buxtehude.NewServer()
	defer srv.Close()

	alice := buxtehude.NewClient("alice")
	bob := buxtehude.NewClient("bob")
	for _, c := range []*buxtehude.Client{alice, bob} {
		if err := c.ConnectInternal(srv); err != nil {
			b.Fatalf("ConnectInternal: %v", err)
		}
		defer c.Close()
		c.Run()
	}
	done := make(chan struct{}, 1)
	bob.Handle("ping", func(c *buxtehude.Client, m *buxtehude.Message) {
		c.Write(buxtehude.Message{Type: "pong", Dest: m.Src})
	})
	alice.Handle("pong", func(*buxtehude.Client, *buxtehude.Message) {
		done <- struct{}{}
	})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := alice.Write(buxtehude.Message{Type: "ping", Dest: "bob"}); err != nil {
			b.Fatal(err)
		}
		<-done
	}
}

func BenchmarkEncode(b *testing.B) {
	msg := buxtehude.Message{
		Type: "bench", Dest: "somewhere", Src: "here",
		Content: map[string]any{"a": 1, "b": "two", "c": []any{3.0, true}},
	}
	for _, format := range []buxtehude.Format{buxtehude.FormatJSON, buxtehude.FormatMsgpack} {
		b.Run(format.String(), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				if _, err := msg.Encode(format); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
