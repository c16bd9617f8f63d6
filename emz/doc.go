// Package emz implements the emyzelium messaging substrate on top of the
// transport package: Etale records, Ehypha remote-peer subscriptions,
// Efunguz local peers (TCP or onion variant), and the Ecataloguz catalogue
// rendezvous service.
package emz
