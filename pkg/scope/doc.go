// Package scope defines the capability model: well-known scopes, free-form
// custom scopes such as project:<id>, and a role registry that bundles
// scopes under grantable names.
package scope
