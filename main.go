/*
Copyright © 2020 hit.zhangjie@gmail.com

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/hitzhangjie/teleproc/cmd"
	"github.com/hitzhangjie/teleproc/cmd/debug"
)

func main() {
	go processSignals()
	cmd.Execute()
}

// processSignals releases the current target before the agent exits, a
// launched target is killed, an attached one keeps running.
func processSignals() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)

	<-ch
	if s := debug.CurrentSession; s != nil {
		s.Cleanup()
	}
	os.Exit(0)
}
