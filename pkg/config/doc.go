/*
Package config loads the bootstrap configuration.

Comms settings come from the environment first, falling back to a YAML file
for development setups, with environment values winning on conflict. The
required keys are checked up front; a deployment missing any of them fails
at boot with the full list instead of limping along half-configured. The
device register map ships as a JSON file beside the binary.
*/
package config
