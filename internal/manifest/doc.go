// Package manifest defines the declarative recipe consumed by the build
// pipeline.
//
// A recipe lists named stages. Each stage names a base environment, an
// ordered list of steps, the paths it exports to other stages, the exports it
// imports from other stages, and the fix-ups applied once its own steps have
// completed. Recipes are written in YAML or HCL:
//
//	stages:
//	  - name: builder
//	    from: cuda-devel:12.4
//	    steps:
//	      - run: ./build-inference.sh --prefix /tmp/install
//	        workdir: /src
//	    exports: [/tmp/install]
//	  - name: runtime
//	    from: cuda-runtime:12.4
//	    imports:
//	      - builder:/tmp/install /usr
//	    fixups:
//	      - name: cuda-compat
//	        kind: linker-path
//	        dir: /usr/local/cuda/compat
//
// The same recipe in HCL uses labelled stage and fixup blocks, with the host
// environment available as the env variable:
//
//	stage "builder" {
//	  from    = "cuda-devel:${env.CUDA_VERSION}"
//	  exports = ["/tmp/install"]
//	  step {
//	    run     = "./build-inference.sh --prefix /tmp/install"
//	    workdir = "/src"
//	  }
//	}
package manifest
