// Package recipe describes what packd builds.
//
// A recipe names the base image, the system packages to install, the working
// directory, the language dependency manifest, the application tree, and
// the entry point. The pipeline that turns a recipe into an image always
// runs these in the same order:
//
//	base -> system -> workdir -> dependencies -> copy -> entrypoint
//
// Recipes are YAML files, usually named packd.yaml and placed at the root of
// the application tree:
//
//	base: python:3.10-slim
//	system:
//	  packages: [ffmpeg]
//	workdir: /app
//	dependencies:
//	  manifest: requirements.txt
//	entrypoint: [python, main.py]
//
// [Recipe.Validate] rejects recipes the pipeline could not execute before
// any container is started.
package recipe
