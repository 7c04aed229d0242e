/*
 * Copyright 2025 the Calcifer Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"context"
	"flag"
	"log"

	"github.com/dmgiangi/calcifer-sub000/cmd/core/app"
)

func main() {
	configPath := flag.String("config", "/etc/calcifer/core.json", "Path to core config file")
	flag.Parse()

	if err := app.Run(context.Background(), *configPath); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}
