// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// triagectl is the operator CLI for the triage service: it validates
// configuration, triages single emails or NDJSON archives, and reads back
// stored records and statistics.
//
// Usage:
//
//	triagectl check-config
//	triagectl process --file email.json [--persist]
//	triagectl replay --file emails.ndjson [--concurrency 8] [--persist]
//	triagectl recent [--limit 20]
//	triagectl stats [--days 7]
package main

import (
	"fmt"
	"os"
)

func main() {
	app := newCLIApp(defaultAnalyzer)
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
