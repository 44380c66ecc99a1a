/*
Package bus receives backend pushes over MQTT.

The backend publishes retained JSON envelopes on the LAN zone's update
topic; the listener decodes them into bus events and hands them to the
supervisor. Pings are answered in place on the zone's pong topic so the
backend can check liveness without going through the event pipeline.
*/
package bus
