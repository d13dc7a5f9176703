// Package recipe loads the HCL description of an image build and turns it
// into the ordered core steps the builder executes.
//
// A recipe file holds optional `variable` blocks and exactly one `image`
// block. Step blocks carry two labels, the step kind and a unique name:
//
//	variable "port" { default = 8000 }
//
//	image "voice-backend" {
//	  from    = "python:3.10-slim"
//	  workdir = "/app"
//
//	  step "packages" "system-deps" { names = ["ffmpeg", "git"] }
//	  step "expose"   "http"        { port = var.port }
//	}
package recipe
